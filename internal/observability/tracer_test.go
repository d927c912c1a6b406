package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"hikugen/internal/failure"
)

func TestStageMetaSpanName(t *testing.T) {
	if got := (StageMeta{Stage: "try_fresh"}).SpanName(); got != "extract.try_fresh" {
		t.Errorf("unexpected span name %q", got)
	}
}

func TestTracerSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := NewTracer(tp.Tracer("test"))

	_, span := tr.StartSpan(context.Background(), StageMeta{Stage: "try_fresh", Key: "doc-1", RunID: "r1", Attempt: 2})
	tr.EndSpan(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		got[kv.Key] = kv.Value
	}
	if got["extract.key"].AsString() != "doc-1" {
		t.Errorf("missing key attribute: %v", got)
	}
	if got["extract.attempt"].AsInt64() != 2 {
		t.Errorf("missing attempt attribute: %v", got)
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("expected ok status, got %v", spans[0].Status())
	}
}

func TestTracerRecordsFailureKind(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := NewTracer(tp.Tracer("test"))

	_, span := tr.StartSpan(context.Background(), StageMeta{Stage: "try_cached", Key: "k"})
	tr.EndSpan(span, failure.New(failure.ExecutionTimeout, "slow"))

	ended := recorder.Ended()[0]
	if ended.Status().Code != codes.Error {
		t.Errorf("expected error status")
	}
	found := false
	for _, kv := range ended.Attributes() {
		if kv.Key == "extract.failure_kind" && kv.Value.AsString() == "execution_timeout" {
			found = true
		}
	}
	if !found {
		t.Errorf("failure kind attribute missing: %v", ended.Attributes())
	}
}

func TestNoopTracerDoesNotPanic(t *testing.T) {
	tr := NoopTracer()
	_, span := tr.StartSpan(context.Background(), StageMeta{Stage: "judging"})
	tr.EndSpan(span, errors.New("x"))
}

func TestSetupStdoutTracing(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupStdoutTracing(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTracer(nil)
	_, span := tr.StartSpan(context.Background(), StageMeta{Stage: "cache_lookup", Key: "k"})
	tr.EndSpan(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("extract.cache_lookup")) {
		t.Errorf("span not exported: %s", buf.String())
	}
}
