package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/orchestra/pkg/schema"
)

// LegacyExecutor is the calling convention most pre-existing executors can be
// squeezed into without modification: an action name, a flat argument map, and
// an arbitrary return value.
type LegacyExecutor interface {
	Run(ctx context.Context, action string, args map[string]any) (any, error)
}

// LegacyFunc adapts a function to LegacyExecutor.
type LegacyFunc func(ctx context.Context, action string, args map[string]any) (any, error)

// Run calls f.
func (f LegacyFunc) Run(ctx context.Context, action string, args map[string]any) (any, error) {
	return f(ctx, action, args)
}

// LegacyAdapter wraps a LegacyExecutor behind the Agent interface.
//
// The step's action and params are turned into the executor's argument map by
// an optional jq input mapping; the executor's return value is turned into the
// result payload by an optional jq output mapping. When an availability probe
// reports the executor's external dependency as down and a mock is configured,
// the mock runs instead and the result is flagged IsMock.
type LegacyAdapter struct {
	exec       LegacyExecutor
	input      *gojq.Code
	output     *gojq.Code
	quality    *gojq.Code
	available  func(ctx context.Context) error
	mock       Agent
	classifier ErrorClassifier
}

// AdapterOption configures a LegacyAdapter.
type AdapterOption func(*LegacyAdapter) error

// WithInputMapping sets a jq program that receives
// {"action", "params", "dependencies", "attempt"} and must yield the argument object.
func WithInputMapping(program string) AdapterOption {
	return func(a *LegacyAdapter) error {
		code, err := compileJQ(program)
		if err != nil {
			return fmt.Errorf("input mapping: %w", err)
		}
		a.input = code
		return nil
	}
}

// WithOutputMapping sets a jq program applied to the executor's return value.
func WithOutputMapping(program string) AdapterOption {
	return func(a *LegacyAdapter) error {
		code, err := compileJQ(program)
		if err != nil {
			return fmt.Errorf("output mapping: %w", err)
		}
		a.output = code
		return nil
	}
}

// WithQualityMapping sets a jq program applied to the executor's return value
// that must yield a number in [0,1], reported as the step's quality score.
func WithQualityMapping(program string) AdapterOption {
	return func(a *LegacyAdapter) error {
		code, err := compileJQ(program)
		if err != nil {
			return fmt.Errorf("quality mapping: %w", err)
		}
		a.quality = code
		return nil
	}
}

// WithAvailability installs a probe consulted before every call.
func WithAvailability(probe func(ctx context.Context) error) AdapterOption {
	return func(a *LegacyAdapter) error {
		a.available = probe
		return nil
	}
}

// WithMock sets the agent used while the probe reports the dependency down.
func WithMock(mock Agent) AdapterOption {
	return func(a *LegacyAdapter) error {
		a.mock = mock
		return nil
	}
}

// WithClassifier sets the classifier used for the executor's errors.
func WithClassifier(c ErrorClassifier) AdapterOption {
	return func(a *LegacyAdapter) error {
		a.classifier = c
		return nil
	}
}

// NewLegacyAdapter wraps exec.
func NewLegacyAdapter(exec LegacyExecutor, opts ...AdapterOption) (*LegacyAdapter, error) {
	if exec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "legacy executor is nil")
	}
	a := &LegacyAdapter{exec: exec}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "legacy adapter: %s", err.Error()).WithCause(err)
		}
	}
	return a, nil
}

// Execute implements Agent.
func (a *LegacyAdapter) Execute(ctx context.Context, in StepInput) (*StepResult, error) {
	if a.available != nil {
		if probeErr := a.available(ctx); probeErr != nil {
			if a.mock == nil {
				return nil, fmt.Errorf("dependency unavailable: %w", probeErr)
			}
			res, err := a.mock.Execute(ctx, in)
			if err != nil {
				return nil, err
			}
			if res == nil {
				res = &StepResult{Success: true}
			}
			res.IsMock = true
			return res, nil
		}
	}

	args, err := a.buildArgs(ctx, in)
	if err != nil {
		return nil, FatalError(err)
	}

	out, err := a.exec.Run(ctx, in.Action, args)
	if err != nil {
		return nil, err
	}

	normalized, err := normalize(out)
	if err != nil {
		return nil, FatalError(fmt.Errorf("legacy result is not JSON-encodable: %w", err))
	}

	payload := normalized
	if a.output != nil {
		payload, err = runJQ(ctx, a.output, normalized)
		if err != nil {
			return nil, FatalError(fmt.Errorf("output mapping: %w", err))
		}
	}

	res, err := Succeeded(payload)
	if err != nil {
		return nil, FatalError(err)
	}

	if a.quality != nil {
		q, err := runJQ(ctx, a.quality, normalized)
		if err == nil {
			if f, ok := toFloat(q); ok && f >= 0 && f <= 1 {
				res.QualityScore = &f
			}
		}
	}
	return res, nil
}

// ClassifyError implements ErrorClassifier.
func (a *LegacyAdapter) ClassifyError(err error) ErrorKind {
	if IsFatal(err) {
		return Fatal
	}
	if a.classifier != nil {
		return a.classifier.ClassifyError(err)
	}
	return Retryable
}

func (a *LegacyAdapter) buildArgs(ctx context.Context, in StepInput) (map[string]any, error) {
	if a.input == nil {
		if in.Params == nil {
			return map[string]any{}, nil
		}
		return in.Params, nil
	}

	deps := make(map[string]any, len(in.Dependencies))
	for id, raw := range in.Dependencies {
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("dependency %s payload: %w", id, err)
			}
		}
		deps[id] = v
	}
	params, err := normalize(in.Params)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	v, err := runJQ(ctx, a.input, map[string]any{
		"action":       in.Action,
		"params":       params,
		"dependencies": deps,
		"attempt":      in.Attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("input mapping: %w", err)
	}
	args, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input mapping must yield an object, got %T", v)
	}
	return args, nil
}

var jqCache sync.Map // program -> *gojq.Code

func compileJQ(program string) (*gojq.Code, error) {
	if c, ok := jqCache.Load(program); ok {
		return c.(*gojq.Code), nil
	}
	q, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", program, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", program, err)
	}
	jqCache.Store(program, code)
	return code, nil
}

// runJQ returns the single output of code, or the outputs collected into a
// slice when the program yields more than one.
func runJQ(ctx context.Context, code *gojq.Code, input any) (any, error) {
	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize converts v into the plain JSON value model gojq operates on.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
