package infrastructure

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	queueKey   = "queue"
	backendKey = "backend"
)

func QueueAttr(queue string) attribute.KeyValue {
	return attribute.String(queueKey, queue)
}

func BackendAttr(backend string) attribute.KeyValue {
	return attribute.String(backendKey, backend)
}
