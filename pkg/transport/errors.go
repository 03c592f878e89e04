package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport package.
// Use errors.Is() to check for these errors.
var (
	// ErrNoInputQueue is returned by Receive on a one-way client.
	ErrNoInputQueue = errors.New("transport: no input queue configured, the transport can only send")

	// ErrDuplicateTransaction is returned when a unit of work already holds a
	// native receive transaction. A unit of work receives at most one message.
	ErrDuplicateTransaction = errors.New("transport: unit of work already holds a native queue transaction")

	// ErrNonTransactionalQueue is returned when a queue was created without
	// transactional support.
	ErrNonTransactionalQueue = errors.New("transport: queue is not transactional")

	// ErrAdminGroupLookup is returned when the local administrators group
	// cannot be resolved while granting baseline permissions.
	ErrAdminGroupLookup = errors.New("transport: could not resolve the local administrators group")

	// ErrInvalidTimeToBeReceived is returned for unparseable time-to-be-received headers.
	ErrInvalidTimeToBeReceived = errors.New("transport: invalid time-to-be-received")

	// ErrNilMessage is returned when Send is called without a message.
	ErrNilMessage = errors.New("transport: message is required")

	// ErrNilUnitOfWork is returned when Send or Receive is called without a unit of work.
	ErrNilUnitOfWork = errors.New("transport: unit of work is required")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrScopeCompleted is returned when a scope is completed twice or after disposal.
	ErrScopeCompleted = errors.New("transport: scope already completed")
)

type (
	// SendError is returned when the native subsystem refuses an entry.
	// The transport never retries; retry policy belongs to the caller.
	SendError struct {
		Path  string
		Cause error
	}

	// NonTransactionalQueueError is returned when a queue exists but was
	// created without transactional support. It matches ErrNonTransactionalQueue.
	NonTransactionalQueueError struct {
		Path string
	}

	// ReceiveError is returned for receive failures that are neither a
	// timeout, an invalidated handle nor a deleted queue.
	ReceiveError struct {
		Queue string
		Cause error
	}
)

func (e *SendError) Error() string {
	return fmt.Sprintf("could not send to queue with path %q: %v", e.Path, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("could not receive next message from queue %q: %v", e.Queue, e.Cause)
}

func (e *ReceiveError) Unwrap() error {
	return e.Cause
}

func (e *NonTransactionalQueueError) Error() string {
	return fmt.Sprintf("the queue %q is NOT transactional; every queue used by the transport "+
		"must be transactional so that sends and receives enlist in the unit of work, "+
		"delete it and let the transport recreate it", e.Path)
}

func (e *NonTransactionalQueueError) Is(target error) bool {
	return target == ErrNonTransactionalQueue
}
