package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// captureDefaultLogger routes slog.Default into a buffer for the test.
func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "lesson")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	_, _, exp := installTestTelemetry(t)

	ctx, span := StartSpan(context.Background(), "session.run")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan returned a context without a trace")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.run" {
		t.Fatalf("spans = %+v, want one session.run", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	t.Parallel()
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := ContextWithSession(context.Background(), "sess-42")
	if got := SessionID(ctx); got != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", got)
	}
}

func TestLogger_Attributes(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	traced, span := tp.Tracer("test").Start(context.Background(), "log")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{name: "bare", ctx: context.Background(), notWant: []string{"trace_id", "session_id"}},
		{name: "session only", ctx: ContextWithSession(context.Background(), "s1"), want: []string{"session_id=s1"}, notWant: []string{"trace_id"}},
		{name: "traced", ctx: traced, want: []string{"trace_id=", "span_id="}, notWant: []string{"session_id"}},
		{name: "traced session", ctx: ContextWithSession(traced, "s2"), want: []string{"session_id=s2", "trace_id="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefaultLogger(t)
			Logger(tt.ctx).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
