package infrastructure

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/architeacher/txtransport/internal/config"
)

const (
	metricsNamespace = "txtransport"
)

type (
	// QueueInspector reports the depth of one queue. *transport.Inspector
	// satisfies it.
	QueueInspector interface {
		QueueName() string
		Count(ctx context.Context) int
	}

	Metrics interface {
		// MeterProvider is handed to the transport for its send and receive
		// instruments.
		MeterProvider() metric.MeterProvider
		// ObserveQueues publishes the depth of every inspected queue, both as an
		// OTEL gauge and on the Prometheus handler.
		ObserveQueues(inspectors ...QueueInspector) error
		Handler() http.Handler
		Shutdown(ctx context.Context) error
	}

	OTELMetrics struct {
		meterProvider *sdkmetric.MeterProvider
		meter         metric.Meter
		registry      *prometheus.Registry
		backend       string
		logger        Logger

		queueLength metric.Int64ObservableGauge
	}
)

func NewMetrics(ctx context.Context, cfg config.ServiceConfig, logger Logger) (Metrics, error) {
	if !cfg.Telemetry.Metrics.Enabled {
		logger.Info().Msg("metrics disabled, using NoOp implementation")

		return &NoOpMetrics{}, nil
	}

	return NewOTELMetrics(ctx, cfg, logger)
}

func NewOTELMetrics(ctx context.Context, cfg config.ServiceConfig, logger Logger) (*OTELMetrics, error) {
	conn, err := newCollectorConn(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg.AppConfig, cfg.Transport.Backend)
	if err != nil {
		return nil, err
	}

	provider, err := newOTELMetrics(sdkmetric.NewPeriodicReader(exporter), res, cfg, logger)
	if err != nil {
		return nil, err
	}

	otel.SetMeterProvider(provider.meterProvider)

	logger.Info().
		Str("otel_endpoint", conn.Target()).
		Msg("OTEL metrics provider initialized successfully")

	return provider, nil
}

func newOTELMetrics(reader sdkmetric.Reader, res *resource.Resource, cfg config.ServiceConfig, logger Logger) (*OTELMetrics, error) {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider := &OTELMetrics{
		meterProvider: meterProvider,
		meter: meterProvider.Meter(
			metricsNamespace,
			metric.WithInstrumentationVersion(cfg.AppConfig.ServiceVersion),
		),
		registry: registry,
		backend:  cfg.Transport.Backend,
		logger:   Logger{Logger: logger.With().Str("component", "metrics").Logger()},
	}

	var err error

	provider.queueLength, err = provider.meter.Int64ObservableGauge(
		"txtransport.queue.length",
		metric.WithDescription("Number of messages waiting in the queue"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create txtransport.queue.length gauge: %w", err)
	}

	return provider, nil
}

func (om *OTELMetrics) MeterProvider() metric.MeterProvider {
	return om.meterProvider
}

func (om *OTELMetrics) ObserveQueues(inspectors ...QueueInspector) error {
	if err := om.registry.Register(NewQueueDepthCollector(om.backend, inspectors...)); err != nil {
		return fmt.Errorf("failed to register queue depth collector: %w", err)
	}

	_, err := om.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, inspector := range inspectors {
			o.ObserveInt64(om.queueLength, int64(inspector.Count(ctx)), metric.WithAttributes(
				QueueAttr(inspector.QueueName()),
				BackendAttr(om.backend),
			))
		}

		return nil
	}, om.queueLength)
	if err != nil {
		return fmt.Errorf("failed to register queue length callback: %w", err)
	}

	for _, inspector := range inspectors {
		om.logger.Debug().Str("queue", inspector.QueueName()).Msg("observing queue depth")
	}

	return nil
}

func (om *OTELMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(om.registry, promhttp.HandlerOpts{Registry: om.registry})
}

func (om *OTELMetrics) Shutdown(ctx context.Context) error {
	if err := om.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}

	return nil
}

func newCollectorConn(cfg config.Telemetry) (*grpc.ClientConn, error) {
	endpoint := net.JoinHostPort(cfg.OtelGRPCHost, cfg.OtelGRPCPort)

	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTEL collector: %w", err)
	}

	return conn, nil
}

func newResource(ctx context.Context, app config.AppConfig, backend string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(app.ServiceName),
			semconv.ServiceVersionKey.String(app.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(app.CommitSHA),
			semconv.DeploymentEnvironmentKey.String(app.Env),
			BackendAttr(backend),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}
