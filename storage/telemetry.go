package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
)

// Telemetry records spans and metrics for store operations. A nil *Telemetry, or one
// built without instrumentation, records nothing.
type Telemetry struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewTelemetry creates the telemetry helper for a backend ("memory", "redis", "postgres").
func NewTelemetry(backend string, inst *instrumentation.Instrumentation) *Telemetry {
	t := &Telemetry{backend: backend, inst: inst}
	if inst != nil {
		t.tracer = inst.Tracer("storage")
	}
	return t
}

// Start opens a span for operation and returns a finish function taking the
// operation's error. Typical use with a named error result:
//
//	ctx, finish := s.telemetry.Start(ctx, "get_client")
//	defer func() { finish(err) }()
func (t *Telemetry) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if t == nil || t.inst == nil {
		return ctx, func(error) {}
	}

	ctx, span := t.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, t.backend)
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()

		result := Result(err)
		span.SetAttributes(attribute.String(instrumentation.AttrStorageResult, result))
		if result == "error" {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		t.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}

// Result classifies an operation outcome for metrics. Sentinel outcomes are not
// treated as failures.
func Result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "error"
	}
}
