package infrastructure

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultCollectTimeout = 5 * time.Second

// QueueDepthCollector exposes txtransport_queue_length for a fixed set of
// queues. Inspectors never fail, so a missing queue is reported as 0.
type QueueDepthCollector struct {
	inspectors []QueueInspector
	desc       *prometheus.Desc
	timeout    time.Duration
}

func NewQueueDepthCollector(backend string, inspectors ...QueueInspector) *QueueDepthCollector {
	return &QueueDepthCollector{
		inspectors: inspectors,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "queue_length"),
			"Number of messages waiting in the queue.",
			[]string{queueKey},
			prometheus.Labels{backendKey: backend},
		),
		timeout: defaultCollectTimeout,
	}
}

func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, inspector := range c.inspectors {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(inspector.Count(ctx)),
			inspector.QueueName(),
		)
	}
}
