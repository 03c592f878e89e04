package infrastructure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/architeacher/txtransport/internal/config"
)

func newInspector(name string, count int) *MockQueueInspector {
	m := &MockQueueInspector{}
	m.On("QueueName").Return(name).Maybe()
	m.On("Count", mock.Anything).Return(count).Maybe()

	return m
}

func newTestMetrics(t *testing.T) (*OTELMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	cfg := config.ServiceConfig{
		AppConfig: config.AppConfig{ServiceVersion: "1.0.0"},
		Transport: config.TransportConfig{Backend: config.BackendMemory},
	}

	m, err := newOTELMetrics(reader, resource.Empty(), cfg, NewWithWriter(config.LoggingConfig{}, io.Discard))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})

	return m, reader
}

func TestNewMetrics_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(context.Background(), config.ServiceConfig{}, NewWithWriter(config.LoggingConfig{}, io.Discard))
	require.NoError(t, err)
	require.IsType(t, &NoOpMetrics{}, m)

	assert.NotNil(t, m.MeterProvider())
	assert.NoError(t, m.ObserveQueues(newInspector("orders@box", 1)))
	assert.NoError(t, m.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOTELMetrics_ObserveQueues(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)

	require.NoError(t, m.ObserveQueues(newInspector("orders@box", 3), newInspector("audit@box", 0)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	observed := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "txtransport.queue.length" {
				continue
			}

			gauge, ok := md.Data.(metricdata.Gauge[int64])
			require.True(t, ok)

			for _, dp := range gauge.DataPoints {
				queue, _ := dp.Attributes.Value(queueKey)
				backend, _ := dp.Attributes.Value(backendKey)
				assert.Equal(t, config.BackendMemory, backend.AsString())

				observed[queue.AsString()] = dp.Value
			}
		}
	}

	assert.Equal(t, map[string]int64{"orders@box": 3, "audit@box": 0}, observed)
}

func TestOTELMetrics_Handler(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)

	require.NoError(t, m.ObserveQueues(newInspector("orders@box", 7)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `txtransport_queue_length{backend="memory",queue="orders@box"} 7`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOTELMetrics_ObserveQueuesTwice(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)

	require.NoError(t, m.ObserveQueues(newInspector("orders@box", 1)))
	require.ErrorContains(t, m.ObserveQueues(newInspector("orders@box", 1)), "failed to register queue depth collector")
}

func TestQueueDepthCollector(t *testing.T) {
	t.Parallel()

	collector := NewQueueDepthCollector(config.BackendRedis,
		newInspector("orders@box", 2),
		newInspector("missing@box", 0),
	)

	expected := `
# HELP txtransport_queue_length Number of messages waiting in the queue.
# TYPE txtransport_queue_length gauge
txtransport_queue_length{backend="redis",queue="missing@box"} 0
txtransport_queue_length{backend="redis",queue="orders@box"} 2
`

	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "txtransport_queue_length"))
}

// Mock implementations for testing

type MockQueueInspector struct {
	mock.Mock
}

func (m *MockQueueInspector) QueueName() string {
	return m.Called().String(0)
}

func (m *MockQueueInspector) Count(ctx context.Context) int {
	return m.Called(ctx).Int(0)
}
