package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

var _ native.Tx = (*tx)(nil)

type tx struct {
	mu    sync.Mutex
	sqlTx *sqlx.Tx
	done  bool
}

func (t *tx) executor() (sqlx.ExtContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, native.ErrTxDone
	}

	return t.sqlTx, nil
}

func (t *tx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.done = true

	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *tx) Abort(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return native.ErrTxDone
	}

	t.done = true

	return t.sqlTx.Rollback()
}

func (t *tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}

	t.done = true

	return t.sqlTx.Rollback()
}
