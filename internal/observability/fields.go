// File: internal/observability/fields.go
package observability

import (
	"context"

	"go.uber.org/zap"
)

// Field keys shared by every component, so run and scenario entries can be
// filtered the same way whichever package wrote them.
const (
	FieldRunID    = "run_id"
	FieldScenario = "scenario"
	FieldFlow     = "flow"
	FieldResultID = "result_id"
	FieldStep     = "step"
)

type scopeKey struct{}

// scope is the run and scenario a context belongs to.
type scope struct {
	runID    string
	scenario string
	flow     string
	resultID string
}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithRun returns a context that belongs to run runID.
func WithRun(ctx context.Context, runID string) context.Context {
	s := scopeOf(ctx)
	s.runID = runID
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithScenario returns a context that belongs to one scenario execution,
// keeping the run id of ctx.
func WithScenario(ctx context.Context, scenario, flow, resultID string) context.Context {
	s := scopeOf(ctx)
	s.scenario, s.flow, s.resultID = scenario, flow, resultID
	return context.WithValue(ctx, scopeKey{}, s)
}

// RunID returns the run id carried by ctx, or "" outside a run.
func RunID(ctx context.Context) string {
	return scopeOf(ctx).runID
}

// FromContext annotates base with the run and scenario ctx belongs to.
// Unset parts are omitted, so a bare context returns base unchanged.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	s := scopeOf(ctx)
	var fields []zap.Field
	if s.runID != "" {
		fields = append(fields, zap.String(FieldRunID, s.runID))
	}
	if s.scenario != "" {
		fields = append(fields, zap.String(FieldScenario, s.scenario))
	}
	if s.flow != "" {
		fields = append(fields, zap.String(FieldFlow, s.flow))
	}
	if s.resultID != "" {
		fields = append(fields, zap.String(FieldResultID, s.resultID))
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
