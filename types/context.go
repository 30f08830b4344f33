package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID  contextKey = "trace_id"
	keyRunID    contextKey = "run_id"
	keyStepID   contextKey = "step_id"
	keyFleetRun contextKey = "fleet_run_id"
	keySubject  contextKey = "subject"
	keyRoles    contextKey = "roles"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRunID adds the workflow run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts the workflow run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithStepID adds the executing workflow step ID to context.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, keyStepID, stepID)
}

// StepID extracts the executing workflow step ID from context.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyStepID).(string)
	return v, ok && v != ""
}

// WithFleetRunID adds the fleet run ID to context.
func WithFleetRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyFleetRun, runID)
}

// FleetRunID extracts the fleet run ID from context.
func FleetRunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyFleetRun).(string)
	return v, ok && v != ""
}

// WithSubject records the authenticated caller, usually a JWT "sub" claim.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, keySubject, subject)
}

// Subject extracts the authenticated caller from context.
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySubject).(string)
	return v, ok && v != ""
}

// WithRoles records the caller's roles.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, keyRoles, roles)
}

// Roles extracts the caller's roles from context.
func Roles(ctx context.Context) []string {
	v, _ := ctx.Value(keyRoles).([]string)
	return v
}
