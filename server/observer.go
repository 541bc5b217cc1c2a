package server

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
)

// Option configures the logging, auditing and telemetry of a component
type Option func(*observer)

// WithAuditor sets the security auditor
func WithAuditor(a *security.Auditor) Option {
	return func(o *observer) {
		o.auditor = a
	}
}

// WithInstrumentation enables spans and metrics
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *observer) {
		if inst != nil {
			o.inst = inst
			o.tracer = inst.Tracer("server")
		}
	}
}

// observer bundles what every component uses to report what it does.
// All fields are usable when no option was given.
type observer struct {
	logger  *slog.Logger
	auditor *security.Auditor // nil-safe
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

func newObserver(logger *slog.Logger, opts []Option) *observer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &observer{
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// metrics returns the metrics holder; nil (and still safe to call) without instrumentation
func (o *observer) metrics() *instrumentation.Metrics {
	if o.inst == nil {
		return nil
	}
	return o.inst.Metrics()
}

// start opens a span named "oauth.<operation>"
func (o *observer) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "oauth."+operation, trace.WithAttributes(attrs...))
}

// end closes span, recording protocol failures as OAuth error attributes and
// infrastructure failures as span errors
func (o *observer) end(span trace.Span, err error) {
	defer span.End()

	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}
	var oe *oautherr.Error
	if errors.As(err, &oe) {
		instrumentation.AddOAuthErrorAttributes(span, string(oe.Kind), oe.Description())
		instrumentation.SetSpanError(span, string(oe.Kind))
		return
	}
	instrumentation.RecordError(span, err)
}

// audit logs a security event and counts it
func (o *observer) audit(ctx context.Context, event security.Event) {
	o.auditor.LogEvent(event)
	o.counted(ctx, event.Type)
}

// counted counts an event logged through one of the auditor's typed helpers
func (o *observer) counted(ctx context.Context, eventType string) {
	if o.auditor == nil {
		return
	}
	o.metrics().RecordAuditEvent(ctx, eventType)
}
