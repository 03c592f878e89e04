package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

var _ native.Tx = (*tx)(nil)

// tx owns one channel in transaction mode for its whole life.
type tx struct {
	mu   sync.Mutex
	ch   amqpChannel
	done bool
}

func (t *tx) channel() (amqpChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, native.ErrTxDone
	}

	return t.ch, nil
}

func (t *tx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.done = true

	if err := t.ch.TxCommit(); err != nil {
		_ = t.ch.Close()

		return fmt.Errorf("failed to commit channel transaction: %w", err)
	}

	return t.ch.Close()
}

// Abort closes the channel: uncommitted publishes are discarded and
// unacknowledged deliveries return to their queues.
func (t *tx) Abort(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.done = true

	return t.closeChannel()
}

func (t *tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}

	t.done = true

	return t.closeChannel()
}

func (t *tx) closeChannel() error {
	if t.ch.IsClosed() {
		return nil
	}

	return t.ch.Close()
}
