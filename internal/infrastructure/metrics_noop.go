package infrastructure

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type NoOpMetrics struct{}

func (n *NoOpMetrics) MeterProvider() metric.MeterProvider {
	return noop.NewMeterProvider()
}

func (n *NoOpMetrics) ObserveQueues(_ ...QueueInspector) error {
	return nil
}

func (n *NoOpMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (n *NoOpMetrics) Shutdown(_ context.Context) error {
	return nil
}
