// Package agent defines the capability interface the engine uses to run a step,
// and the adapter layer that lets existing executors be plugged in unchanged.
package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// Agent is a pluggable executor invoked for a step.
// Execute receives a cancellation token through ctx; honoring it promptly is
// best-effort. Returning a non-nil error or a result with Success=false both
// count as a failed attempt.
type Agent interface {
	Execute(ctx context.Context, in StepInput) (*StepResult, error)
}

// ErrorClassifier is optionally implemented by an Agent to decide whether one
// of its failures is worth retrying. Agents without it are treated as RETRYABLE.
type ErrorClassifier interface {
	ClassifyError(err error) ErrorKind
}

// ErrorKind is the retryability class of a failure.
type ErrorKind string

const (
	Retryable ErrorKind = "RETRYABLE"
	Fatal     ErrorKind = "FATAL"
)

// StepInput is what an Agent sees of a step.
type StepInput struct {
	PlanID  string         `json:"plan_id"`
	StepID  string         `json:"step_id"`
	Action  string         `json:"action,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Attempt int            `json:"attempt"`
	// Dependencies holds the result payloads of the step's direct dependencies.
	Dependencies map[string]json.RawMessage `json:"dependencies,omitempty"`
}

// StepResult is the outcome of one Execute call.
type StepResult struct {
	Success      bool            `json:"success"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *StepError      `json:"error,omitempty"`
	QualityScore *float64        `json:"quality_score,omitempty"`
	IsMock       bool            `json:"is_mock,omitempty"`
}

// StepError describes why an attempt failed.
type StepError struct {
	Kind    ErrorKind `json:"kind,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

func (e *StepError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Succeeded builds a successful result from any JSON-encodable payload.
func Succeeded(payload any) (*StepResult, error) {
	if payload == nil {
		return &StepResult{Success: true}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return &StepResult{Success: true, Payload: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &StepResult{Success: true, Payload: data}, nil
}

// Failed builds a failed result.
func Failed(kind ErrorKind, code, message string) *StepResult {
	return &StepResult{Error: &StepError{Kind: kind, Code: code, Message: message}}
}

// Func adapts an ordinary function to the Agent interface.
type Func func(ctx context.Context, in StepInput) (*StepResult, error)

// Execute calls f(ctx, in).
func (f Func) Execute(ctx context.Context, in StepInput) (*StepResult, error) {
	return f(ctx, in)
}

// FatalError marks err as not worth retrying for agents that do not implement
// ErrorClassifier.
func FatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// IsFatal reports whether err was wrapped with FatalError.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
