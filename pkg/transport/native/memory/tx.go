package memory

import (
	"context"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	txActive = iota
	txCommitted
	txAborted
)

type (
	// tx is guarded by the owning Subsystem's mutex.
	tx struct {
		s        *Subsystem
		state    int
		sends    []enlisted
		received []enlisted
	}

	enlisted struct {
		key string
		st  *stored
	}
)

var _ native.Tx = (*tx)(nil)

func (t *tx) enlistSend(key string, st *stored) error {
	if t.state != txActive {
		return native.ErrTxDone
	}

	t.sends = append(t.sends, enlisted{key: key, st: st})

	return nil
}

func (t *tx) enlistReceive(key string, st *stored) error {
	if t.state != txActive {
		return native.ErrTxDone
	}

	t.received = append(t.received, enlisted{key: key, st: st})

	return nil
}

// Commit publishes buffered sends and forgets received entries. Sends to
// queues deleted in the meantime are dropped.
func (t *tx) Commit(_ context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.state != txActive {
		return native.ErrTxDone
	}

	t.state = txCommitted

	touched := make(map[*queue]struct{})

	for _, e := range t.sends {
		q, ok := t.s.current(e.key)
		if !ok {
			continue
		}

		q.entries = append(q.entries, e.st)
		touched[q] = struct{}{}
	}

	for q := range touched {
		q.wake()
	}

	t.sends, t.received = nil, nil

	return nil
}

// Abort discards buffered sends and puts received entries back at the head
// of their queues in their original order.
func (t *tx) Abort(_ context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.state != txActive {
		return native.ErrTxDone
	}

	t.rollback()

	return nil
}

func (t *tx) Close() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.state == txActive {
		t.rollback()
	}

	return nil
}

func (t *tx) rollback() {
	t.state = txAborted

	for i := len(t.received) - 1; i >= 0; i-- {
		e := t.received[i]

		q, ok := t.s.current(e.key)
		if !ok {
			continue
		}

		q.entries = append([]*stored{e.st}, q.entries...)
		q.wake()
	}

	t.sends, t.received = nil, nil
}
