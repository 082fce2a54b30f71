package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp, "test"), recorder
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestPresenceSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.StartPresenceSpan(context.Background(), "register", "10.0.0.1", "c1")
	End(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "presence.register", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "10.0.0.1", attrs["presence.host"].AsString())
	assert.Equal(t, "c1", attrs["presence.conn_id"].AsString())
}

func TestPresenceSpan_OmitsEmpty(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.StartPresenceSpan(context.Background(), "heartbeat", "", "c1")
	End(span, nil)

	attrs := attrMap(recorder.Ended()[0].Attributes())
	_, ok := attrs["presence.host"]
	assert.False(t, ok)
}

func TestSweepSpan_Error(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.StartSweepSpan(context.Background())
	tracer.EndSweepSpan(span, SweepSpanOptions{Purged: 1, Pinged: 2, Failed: 1}, errors.New("store down"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "liveness.sweep", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, int64(2), attrs["liveness.pinged"].AsInt64())
	assert.Equal(t, int64(1), attrs["liveness.failed"].AsInt64())
}

func TestNilTracerIsNoop(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.StartPresenceSpan(context.Background(), "register", "h", "c")
	End(span, nil)

	_, span = Noop().StartSweepSpan(context.Background())
	Noop().EndSweepSpan(span, SweepSpanOptions{}, nil)
}

func TestInitProvider_RequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	_, err := InitProvider(context.Background(), ProviderConfig{})
	assert.Error(t, err)
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	assert.Error(t, err)
}
