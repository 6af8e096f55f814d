package agent

import (
	"context"
	"errors"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/orchestra/pkg/schema"
)

// RuleClassifier decides retryability with an expr-lang boolean rule.
// The rule sees three variables:
//
//	code     string  OrchestraError code, or "" for foreign errors
//	message  string  err.Error()
//	timeout  bool    the attempt exceeded its deadline
//
// A true result means RETRYABLE. Errors while evaluating fall back to RETRYABLE.
//
//	code != "EXECUTION_ERROR" || message contains "503"
type RuleClassifier struct {
	rule string
	prg  *vm.Program
}

// NewRuleClassifier compiles rule.
func NewRuleClassifier(rule string) (*RuleClassifier, error) {
	if rule == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty classifier rule")
	}
	prg, err := expr.Compile(rule,
		expr.Env(classifierEnv("", "", false)),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"classifier rule compile error in %q: %s", rule, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": rule})
	}
	return &RuleClassifier{rule: rule, prg: prg}, nil
}

// ClassifyError implements ErrorClassifier.
func (c *RuleClassifier) ClassifyError(err error) ErrorKind {
	if err == nil {
		return Retryable
	}
	code := schema.CodeOf(err)
	timeout := code == schema.ErrCodeTimeout || errors.Is(err, context.DeadlineExceeded)
	out, runErr := vm.Run(c.prg, classifierEnv(code, err.Error(), timeout))
	if runErr != nil {
		return Retryable
	}
	if ok, _ := out.(bool); ok {
		return Retryable
	}
	return Fatal
}

// String returns the source rule.
func (c *RuleClassifier) String() string { return c.rule }

func classifierEnv(code, message string, timeout bool) map[string]any {
	return map[string]any{
		"code":    code,
		"message": message,
		"timeout": timeout,
	}
}

// ClassifierFunc adapts a function to ErrorClassifier.
type ClassifierFunc func(err error) ErrorKind

// ClassifyError calls f(err).
func (f ClassifierFunc) ClassifyError(err error) ErrorKind { return f(err) }

// Classify returns the kind a would assign to err. Agents without a classifier,
// and nil agents, yield RETRYABLE unless err is marked with FatalError.
func Classify(a Agent, err error) ErrorKind {
	if IsFatal(err) {
		return Fatal
	}
	if c, ok := a.(ErrorClassifier); ok && c != nil {
		if k := c.ClassifyError(err); k != "" {
			return k
		}
	}
	return Retryable
}
