package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for downstream mining.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldJob is the raw queue descriptor line a run was dispatched for.
	FieldJob = "job"
	// FieldDevice is the device lock name (devN).
	FieldDevice = "device"
	// FieldStage is the worker stage name.
	FieldStage = "stage"
	// FieldRunID identifies one job run across daemon and run logs.
	FieldRunID = "run_id"
	// FieldCaseID is the content-derived case identifier.
	FieldCaseID = "case_id"
	// FieldStatus carries a final run status.
	FieldStatus = "status"
	// FieldLock is a named lock.
	FieldLock = "lock"
	// FieldDose is a dose level in percent of the reference dose.
	FieldDose = "dose"
)

type contextKey string

const (
	runIDKey  contextKey = "run_id"
	deviceKey contextKey = "device"
	stageKey  contextKey = "stage"
)

// WithRunID annotates ctx with a job run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// WithDevice annotates ctx with the device lock name.
func WithDevice(ctx context.Context, device string) context.Context {
	if device == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceKey, device)
}

// WithStage annotates ctx with the worker stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stageKey).(string)
	return v, ok && v != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, slog.String(FieldRunID, v))
	}
	if v, ok := ctx.Value(deviceKey).(string); ok && v != "" {
		fields = append(fields, slog.String(FieldDevice, v))
	}
	if v, ok := StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, v))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
