package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"hikugen/internal/failure"
)

// InstrumentationName identifies this module's spans.
const InstrumentationName = "hikugen"

// StageMeta describes one orchestrator stage for telemetry.
type StageMeta struct {
	Stage   string // cache_lookup, try_cached, try_fresh, judging
	Key     string
	RunID   string
	Attempt int // fresh attempt number, 0 when not applicable
}

// SpanName returns the deterministic span name for the stage.
// Format: extract.<stage>
func (m StageMeta) SpanName() string {
	return "extract." + m.Stage
}

// Tracer wraps OpenTelemetry tracing with stage-specific span management.
// Implementations must be safe for concurrent use; EndSpan must not panic.
type Tracer interface {
	StartSpan(ctx context.Context, meta StageMeta) (context.Context, trace.Span)
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps t. A nil t uses the global provider, which is a no-op
// until the host installs one.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		t = otel.Tracer(InstrumentationName)
	}
	return &tracerImpl{tracer: t}
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() Tracer {
	return &tracerImpl{tracer: tracenoop.NewTracerProvider().Tracer(InstrumentationName)}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta StageMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("extract.stage", meta.Stage),
		attribute.String("extract.key", meta.Key),
	}
	if meta.RunID != "" {
		attrs = append(attrs, attribute.String("extract.run_id", meta.RunID))
	}
	if meta.Attempt > 0 {
		attrs = append(attrs, attribute.Int("extract.attempt", meta.Attempt))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var f *failure.Failure
		if errors.As(err, &f) {
			span.SetAttributes(attribute.String("extract.failure_kind", f.Kind.String()))
		}
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
