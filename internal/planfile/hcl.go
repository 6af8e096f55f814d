package planfile

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/rendis/orchestra/pkg/schema"
)

// hclPlan mirrors a plan document in HCL:
//
//	name = "research"
//	step "search" {
//	  agent = "search"
//	}
//	step "rank" {
//	  agent      = "rank"
//	  depends_on = ["search"]
//	  retry {
//	    strategy     = "EXPONENTIAL_BACKOFF"
//	    max_attempts = 3
//	    base_delay   = "1s"
//	  }
//	}
type hclPlan struct {
	Name         string     `hcl:"name,optional"`
	StepTimeout  string     `hcl:"step_timeout,optional"`
	Metadata     cty.Value  `hcl:"metadata,optional"`
	DefaultRetry *hclRetry  `hcl:"default_retry,block"`
	Steps        []*hclStep `hcl:"step,block"`
}

type hclStep struct {
	ID            string    `hcl:"id,label"`
	Agent         string    `hcl:"agent"`
	Action        string    `hcl:"action,optional"`
	Params        cty.Value `hcl:"params,optional"`
	DependsOn     []string  `hcl:"depends_on,optional"`
	Timeout       string    `hcl:"timeout,optional"`
	Condition     string    `hcl:"condition,optional"`
	QualityWeight float64   `hcl:"quality_weight,optional"`
	Retry         *hclRetry `hcl:"retry,block"`
}

type hclRetry struct {
	Strategy    string `hcl:"strategy"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
	BaseDelay   string `hcl:"base_delay,optional"`
	MaxDelay    string `hcl:"max_delay,optional"`
}

func parseHCL(data []byte, filename string) (*schema.PlanDefinition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}
	var doc hclPlan
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, diagError(diags)
	}

	def := &schema.PlanDefinition{Name: doc.Name}
	var err error
	if def.StepTimeout, err = duration(doc.StepTimeout, "step_timeout"); err != nil {
		return nil, err
	}
	if def.Metadata, err = objectValue(doc.Metadata, "metadata"); err != nil {
		return nil, err
	}
	if doc.DefaultRetry != nil {
		if def.DefaultRetry, err = doc.DefaultRetry.policy("default_retry"); err != nil {
			return nil, err
		}
	}

	def.Steps = make([]schema.StepDefinition, 0, len(doc.Steps))
	for _, s := range doc.Steps {
		step := schema.StepDefinition{
			ID:            s.ID,
			Agent:         s.Agent,
			Action:        s.Action,
			DependsOn:     s.DependsOn,
			Condition:     s.Condition,
			QualityWeight: s.QualityWeight,
		}
		at := fmt.Sprintf("step %q", s.ID)
		if step.Params, err = objectValue(s.Params, at+" params"); err != nil {
			return nil, err
		}
		if step.Timeout, err = duration(s.Timeout, at+" timeout"); err != nil {
			return nil, err
		}
		if s.Retry != nil {
			if step.Retry, err = s.Retry.policy(at + " retry"); err != nil {
				return nil, err
			}
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (r *hclRetry) policy(at string) (*schema.RetryPolicy, error) {
	p := &schema.RetryPolicy{Strategy: schema.RetryStrategy(r.Strategy), MaxAttempts: r.MaxAttempts}
	var err error
	if p.BaseDelay, err = duration(r.BaseDelay, at+" base_delay"); err != nil {
		return nil, err
	}
	if p.MaxDelay, err = duration(r.MaxDelay, at+" max_delay"); err != nil {
		return nil, err
	}
	return p, nil
}

func duration(s, at string) (schema.Duration, error) {
	var d schema.Duration
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", at, err.Error())
	}
	return d, nil
}

func objectValue(v cty.Value, at string) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	native, err := ctyToNative(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", at, err.Error())
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be an object", at)
	}
	return m, nil
}

// ctyToNative converts a cty value to plain Go values. Whole numbers become
// int64, other numbers float64.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			nv, err := ctyToNative(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			nv, err := ctyToNative(ev)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

func diagError(diags hcl.Diagnostics) error {
	issues := make([]string, 0, len(diags))
	for _, d := range diags.Errs() {
		issues = append(issues, d.Error())
	}
	return schema.NewError(schema.ErrCodeValidation, "invalid plan document: "+diags.Error()).
		WithDetails(map[string]any{"violations": issues})
}
