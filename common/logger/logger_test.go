package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextHandler_AddsSpanIDs(t *testing.T) {
	t.Setenv("ENV", "prod")
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	log.InfoContext(ctx, "payment applied")

	assert.Contains(t, buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.Contains(t, buf.String(), `"span_id":"00f067aa0ba902b7"`)
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("LOG_LEVEL", "warn")
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.Info("dropped")
	log.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
