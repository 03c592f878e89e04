package infrastructure

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/architeacher/txtransport/internal/config"
)

func TestNewSpanExporter(t *testing.T) {
	t.Parallel()

	t.Run("stdout exporter writes finished spans", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer

		exporter, err := newSpanExporter(context.Background(), config.Telemetry{ExporterType: "stdout"}, &buf)
		require.NoError(t, err)

		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

		_, span := tp.Tracer("test").Start(context.Background(), "transport.Send")
		span.End()

		require.NoError(t, tp.Shutdown(context.Background()))
		assert.Contains(t, buf.String(), "transport.Send")
	})

	t.Run("grpc exporter connects lazily", func(t *testing.T) {
		t.Parallel()

		exporter, err := newSpanExporter(context.Background(), config.Telemetry{
			ExporterType: "grpc",
			OtelGRPCHost: "127.0.0.1",
			OtelGRPCPort: "4317",
		}, nil)
		require.NoError(t, err)
		require.NotNil(t, exporter)
	})

	t.Run("unknown exporter", func(t *testing.T) {
		t.Parallel()

		_, err := newSpanExporter(context.Background(), config.Telemetry{ExporterType: "zipkin"}, nil)
		require.ErrorContains(t, err, `unsupported trace exporter "zipkin"`)
	})
}

func TestNoOpTracer(t *testing.T) {
	t.Parallel()

	tp, shutdown := NoOpTracer()

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, shutdown(context.Background()))
}
