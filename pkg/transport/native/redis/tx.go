package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

var _ native.Tx = (*tx)(nil)

type (
	tx struct {
		s  *Subsystem
		id string

		mu       sync.Mutex
		done     bool
		sends    []pendingSend
		inflight []inflightList
	}

	pendingSend struct {
		name   string
		id     string
		fields map[string]any
	}

	inflightList struct {
		name string
		key  string
	}
)

func (t *tx) enlistSend(name, id string, fields map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.sends = append(t.sends, pendingSend{name: name, id: id, fields: fields})

	return nil
}

// inflightFor returns the private list receives from name are parked in.
func (t *tx) inflightFor(name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return "", native.ErrTxDone
	}

	for _, l := range t.inflight {
		if l.name == name {
			return l.key, nil
		}
	}

	key := t.s.inflightKey(t.id, name)
	t.inflight = append(t.inflight, inflightList{name: name, key: key})

	return key, nil
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.done = true

	received := make(map[string][]string, len(t.inflight))

	for _, l := range t.inflight {
		ids, err := t.s.client.LRange(ctx, l.key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to read in-flight entries: %w", err)
		}

		received[l.key] = ids
	}

	_, err := t.s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, send := range t.sends {
			pipe.HSet(ctx, t.s.entryKey(send.id), send.fields)
			pipe.RPush(ctx, t.s.listKey(send.name), send.id)
		}

		for key, ids := range received {
			for _, id := range ids {
				pipe.Del(ctx, t.s.entryKey(id))
			}

			pipe.Del(ctx, key)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *tx) Abort(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.done = true

	return t.restore(ctx)
}

func (t *tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}

	t.done = true

	return t.restore(context.Background())
}

// restore moves in-flight ids back to the head of their queues, newest
// first, so the original order is rebuilt.
func (t *tx) restore(ctx context.Context) error {
	t.sends = nil

	var errs []error

	for _, l := range t.inflight {
		for {
			err := t.s.client.LMove(ctx, l.key, t.s.listKey(l.name), "RIGHT", "LEFT").Err()
			if errors.Is(err, goredis.Nil) {
				break
			}

			if err != nil {
				errs = append(errs, fmt.Errorf("failed to restore entries of %s: %w", l.name, err))

				break
			}
		}
	}

	return errors.Join(errs...)
}
