package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	planIDKey ctxKey = iota
	stepIDKey
	agentKey
)

// WithPlanID returns a context with the plan ID set.
func WithPlanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithAgent returns a context with the agent name set.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentKey, name)
}

// PlanID extracts the plan ID from the context, or "" if absent.
func PlanID(ctx context.Context) string {
	v, _ := ctx.Value(planIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// Agent extracts the agent name from the context, or "" if absent.
func Agent(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
func WithIDs(ctx context.Context, planID, stepID, agent string) context.Context {
	ctx = WithPlanID(ctx, planID)
	ctx = WithStepID(ctx, stepID)
	ctx = WithAgent(ctx, agent)
	return ctx
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := PlanID(ctx); v != "" {
		logger = logger.With(slog.String("plan_id", v))
	}
	if v := StepID(ctx); v != "" {
		logger = logger.With(slog.String("step_id", v))
	}
	if v := Agent(ctx); v != "" {
		logger = logger.With(slog.String("agent", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation values from
// the context into every record. Use with slog.New(NewCorrelationHandler(inner))
// so callers can use logger.InfoContext(ctx, ...) and the IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := PlanID(ctx); v != "" {
		r.AddAttrs(slog.String("plan_id", v))
	}
	if v := StepID(ctx); v != "" {
		r.AddAttrs(slog.String("step_id", v))
	}
	if v := Agent(ctx); v != "" {
		r.AddAttrs(slog.String("agent", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text handler on w wrapped for correlation.
func New(w io.Writer, level string) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(h))
}

// NewLeveled is New with a level that can be changed while running.
func NewLeveled(w io.Writer, level *slog.LevelVar) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewCorrelationHandler(h))
}
