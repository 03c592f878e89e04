package transport

import (
	"context"
	"strconv"

	"github.com/architeacher/txtransport/pkg/transport/address"
)

// QueueLengthProperty is the property key Properties reports the depth under.
const QueueLengthProperty = "QueueLength"

// Inspector reports the depth of a single queue. It never fails: a queue that
// is missing or unreadable reports 0.
type Inspector struct {
	manager   *QueueManager
	queueName string
}

func NewInspector(manager *QueueManager, queueName string) *Inspector {
	return &Inspector{manager: manager, queueName: queueName}
}

func (i *Inspector) QueueName() string {
	return i.queueName
}

// Count returns the approximate number of entries waiting in the queue.
func (i *Inspector) Count(ctx context.Context) int {
	addr, err := address.Parse(i.queueName)
	if err != nil {
		i.manager.logger.Debug().Err(err).Str("queue", i.queueName).Msg("cannot inspect queue with invalid address")

		return 0
	}

	return i.manager.Count(ctx, address.LocalPath(addr))
}

func (i *Inspector) Properties(ctx context.Context) map[string]string {
	return map[string]string{
		QueueLengthProperty: strconv.Itoa(i.Count(ctx)),
	}
}
