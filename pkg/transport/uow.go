package transport

import (
	"context"
	"fmt"
	"sync"
)

// UnitOfWork is the ambient transaction context a host runs message handling
// in. The transport stores its native transaction and handle cache as items
// and registers its commit and cleanup work as callbacks.
type UnitOfWork interface {
	// GetOrAdd returns the item under key, creating it with factory when absent.
	// factory runs at most once per key and may register callbacks.
	GetOrAdd(key string, factory func() (any, error)) (any, error)
	Load(key string) (any, bool)
	Store(key string, value any)
	OnCommitted(fn func(ctx context.Context) error)
	OnDisposed(fn func())
}

// Scope is an in-process UnitOfWork. Complete runs commit callbacks in
// registration order; Dispose runs disposal callbacks once, whether or not the
// scope completed.
type Scope struct {
	itemsMu sync.Mutex
	items   map[string]any

	hooksMu   sync.Mutex
	committed []func(ctx context.Context) error
	disposed  []func()
	completed bool
	done      bool
}

var _ UnitOfWork = (*Scope)(nil)

func NewScope() *Scope {
	return &Scope{items: make(map[string]any)}
}

func (s *Scope) GetOrAdd(key string, factory func() (any, error)) (any, error) {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	if v, ok := s.items[key]; ok {
		return v, nil
	}

	v, err := factory()
	if err != nil {
		return nil, err
	}

	s.items[key] = v

	return v, nil
}

func (s *Scope) Load(key string) (any, bool) {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	v, ok := s.items[key]

	return v, ok
}

func (s *Scope) Store(key string, value any) {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	s.items[key] = value
}

func (s *Scope) OnCommitted(fn func(ctx context.Context) error) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.committed = append(s.committed, fn)
}

func (s *Scope) OnDisposed(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.disposed = append(s.disposed, fn)
}

// Complete runs the commit callbacks and stops at the first failure.
func (s *Scope) Complete(ctx context.Context) error {
	s.hooksMu.Lock()
	if s.completed || s.done {
		s.hooksMu.Unlock()

		return ErrScopeCompleted
	}

	s.completed = true
	callbacks := append([]func(context.Context) error(nil), s.committed...)
	s.hooksMu.Unlock()

	for i, fn := range callbacks {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("commit callback %d failed: %w", i, err)
		}
	}

	return nil
}

// Dispose runs the disposal callbacks. Calling it again is a no-op.
func (s *Scope) Dispose() {
	s.hooksMu.Lock()
	if s.done {
		s.hooksMu.Unlock()

		return
	}

	s.done = true
	callbacks := s.disposed
	s.disposed = nil
	s.hooksMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// getOrAdd is the typed form of UnitOfWork.GetOrAdd.
func getOrAdd[T any](uow UnitOfWork, key string, factory func() (T, error)) (T, error) {
	var zero T

	v, err := uow.GetOrAdd(key, func() (any, error) {
		return factory()
	})
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unit of work item %q holds %T", key, v)
	}

	return typed, nil
}
