package memory

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

var _ native.Queue = (*handle)(nil)

// handle is guarded by the owning Subsystem's mutex.
type handle struct {
	s      *Subsystem
	q      *queue
	path   string
	mode   native.AccessMode
	filter native.PropertyFilter

	closed  bool
	invalid bool
}

func (h *handle) Path() string {
	return h.path
}

func (h *handle) Transactional() bool {
	return h.q.transactional
}

func (h *handle) Close() error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if h.closed {
		return native.ErrInvalidHandle
	}

	h.closed = true
	delete(h.q.handles, h)

	return nil
}

func (h *handle) Send(_ context.Context, entry *native.Entry, ntx native.Tx) error {
	if h.mode&native.AccessSend == 0 {
		return fmt.Errorf("handle for %s was not opened for sending", h.path)
	}

	st, err := newStored(entry, h.s.now())
	if err != nil {
		return err
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if h.closed || h.invalid {
		return native.ErrInvalidHandle
	}

	q, ok := h.s.current(h.q.key)
	if !ok {
		return fmt.Errorf("%w: %s", native.ErrQueueNotFound, h.path)
	}

	if ntx == nil {
		q.entries = append(q.entries, st)
		q.wake()

		return nil
	}

	t, ok := ntx.(*tx)
	if !ok || t.s != h.s {
		return fmt.Errorf("transaction %T does not belong to this subsystem", ntx)
	}

	return t.enlistSend(q.key, st)
}

func (h *handle) Receive(ctx context.Context, timeout time.Duration, ntx native.Tx) native.ReceiveResult {
	if h.mode&native.AccessReceive == 0 {
		return native.Failed(fmt.Errorf("handle for %s was not opened for receiving", h.path))
	}

	var t *tx
	if ntx != nil {
		var ok bool
		if t, ok = ntx.(*tx); !ok || t.s != h.s {
			return native.Failed(fmt.Errorf("transaction %T does not belong to this subsystem", ntx))
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		h.s.mu.Lock()

		if h.closed || h.invalid {
			h.s.mu.Unlock()

			return native.InvalidHandle()
		}

		q, ok := h.s.current(h.q.key)
		if !ok {
			h.s.mu.Unlock()

			return native.QueueDeleted()
		}

		if q != h.q {
			h.s.mu.Unlock()

			return native.InvalidHandle()
		}

		h.s.dropExpired(q)

		if len(q.entries) > 0 {
			st := q.entries[0]
			q.entries[0] = nil
			q.entries = q.entries[1:]

			if t != nil {
				if err := t.enlistReceive(q.key, st); err != nil {
					q.entries = append([]*stored{st}, q.entries...)
					h.s.mu.Unlock()

					return native.Failed(err)
				}
			}

			h.s.mu.Unlock()

			return native.Received(st.materialize(h.filter))
		}

		signal := q.signal
		h.s.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return native.TimedOut()
		case <-ctx.Done():
			return native.TimedOut()
		}
	}
}

func (h *handle) Enumerate(_ context.Context) iter.Seq2[*native.Entry, error] {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	q, ok := h.s.current(h.q.key)
	if !ok {
		return func(yield func(*native.Entry, error) bool) {
			yield(nil, fmt.Errorf("%w: %s", native.ErrQueueNotFound, h.path))
		}
	}

	h.s.dropExpired(q)

	return entries(append([]*stored(nil), q.entries...), h.filter)
}

func (h *handle) SetPermissions(_ context.Context, principal string, rights native.AccessRights) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	h.q.acl[principal] = rights

	return nil
}
