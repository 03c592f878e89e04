package infrastructure

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/architeacher/txtransport/internal/config"
)

type TracerShutdownFunc func(ctx context.Context) error

// NoOpTracer is used when tracing is disabled.
func NoOpTracer() (trace.TracerProvider, TracerShutdownFunc) {
	return tracenoop.NewTracerProvider(), func(_ context.Context) error {
		return nil
	}
}

// InitGlobalTracer installs a batching tracer provider as the global one and
// returns it together with its shutdown func.
func InitGlobalTracer(ctx context.Context, cfg config.ServiceConfig) (trace.TracerProvider, TracerShutdownFunc, error) {
	exporter, err := newSpanExporter(ctx, cfg.Telemetry, os.Stdout)
	if err != nil {
		return nil, nil, err
	}

	res, err := newResource(ctx, cfg.AppConfig, cfg.Transport.Backend)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.Traces.SamplerRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg config.Telemetry, w io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.ExporterType) {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}

		return exporter, nil

	case "", "grpc":
		conn, err := newCollectorConn(cfg)
		if err != nil {
			return nil, err
		}

		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithGRPCConn(conn)))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}

		return exporter, nil

	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.ExporterType)
	}
}
