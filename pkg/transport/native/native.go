// Package native describes the capability a durable queue subsystem must offer
// to carry the transport: queue administration, send/receive handles, native
// transactions and enumeration.
//
// Backends live in sub-packages (memory, rabbitmq, postgres, redis). Paths
// handed to a Subsystem are the ones rendered by the address package.
package native

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

var (
	// ErrQueueExists is returned by Create when another creator won the race.
	ErrQueueExists = errors.New("native: queue already exists")

	// ErrQueueNotFound is returned by administrative calls on a missing queue.
	ErrQueueNotFound = errors.New("native: queue not found")

	// ErrInvalidHandle is returned when a handle was closed or invalidated.
	ErrInvalidHandle = errors.New("native: invalid queue handle")

	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("native: transaction already completed")
)

// AccessMode selects what a handle may be used for.
type AccessMode int

const (
	AccessSend AccessMode = 1 << iota
	AccessReceive

	AccessSendAndReceive = AccessSend | AccessReceive
)

// AccessRights are the permissions granted on a newly created queue.
type AccessRights int

const (
	RightsGenericWrite AccessRights = iota + 1
	RightsFullControl
)

func (r AccessRights) String() string {
	switch r {
	case RightsGenericWrite:
		return "generic_write"
	case RightsFullControl:
		return "full_control"
	default:
		return "none"
	}
}

// PropertyFilter limits which entry properties a receive handle materializes.
type PropertyFilter struct {
	ID        bool
	Label     bool
	Body      bool
	Extension bool
}

// DefaultReceiveFilter is what the transport's input handle reads.
var DefaultReceiveFilter = PropertyFilter{ID: true, Body: true, Extension: true}

type (
	// Subsystem is the native queue facility.
	Subsystem interface {
		Exists(ctx context.Context, path string) (bool, error)
		Create(ctx context.Context, path string, transactional bool) (Queue, error)
		Delete(ctx context.Context, path string) error
		Purge(ctx context.Context, path string) error
		Open(ctx context.Context, path string, mode AccessMode, filter PropertyFilter) (Queue, error)
		Begin(ctx context.Context) (Tx, error)
	}

	// Queue is an open handle to a single queue.
	Queue interface {
		io.Closer

		Path() string
		Transactional() bool
		Send(ctx context.Context, entry *Entry, tx Tx) error
		Receive(ctx context.Context, timeout time.Duration, tx Tx) ReceiveResult
		Enumerate(ctx context.Context) iter.Seq2[*Entry, error]
		SetPermissions(ctx context.Context, principal string, rights AccessRights) error
	}

	// Counter is implemented by handles that can report their length without
	// enumerating.
	Counter interface {
		Len(ctx context.Context) (int, error)
	}

	// Tx is a native transaction. Close disposes it, aborting when still active.
	Tx interface {
		io.Closer

		Commit(ctx context.Context) error
		Abort(ctx context.Context) error
	}
)

// Entry is a single queue entry as seen by the subsystem.
type Entry struct {
	ID                 string
	Label              string
	Body               io.Reader
	Extension          []byte
	Recoverable        bool
	UseDeadLetterQueue bool
	UseJournalQueue    bool
	TimeToBeReceived   time.Duration
	SentAt             time.Time
}

// Close releases the body stream when it holds resources.
func (e *Entry) Close() error {
	if c, ok := e.Body.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// Expired reports whether the entry outlived its time-to-be-received at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TimeToBeReceived > 0 && !e.SentAt.IsZero() && now.After(e.SentAt.Add(e.TimeToBeReceived))
}

// ReceiveStatus tags the outcome of a native receive.
type ReceiveStatus int

const (
	ReceiveOK ReceiveStatus = iota
	ReceiveTimeout
	ReceiveInvalidHandle
	ReceiveQueueDeleted
	ReceiveFailed
)

func (s ReceiveStatus) String() string {
	switch s {
	case ReceiveOK:
		return "ok"
	case ReceiveTimeout:
		return "timeout"
	case ReceiveInvalidHandle:
		return "invalid_handle"
	case ReceiveQueueDeleted:
		return "queue_deleted"
	default:
		return "failed"
	}
}

// ReceiveResult is the closed set of receive outcomes. Entry is set only for
// ReceiveOK, Err only for ReceiveFailed.
type ReceiveResult struct {
	Status ReceiveStatus
	Entry  *Entry
	Err    error
}

func Received(entry *Entry) ReceiveResult {
	return ReceiveResult{Status: ReceiveOK, Entry: entry}
}

func TimedOut() ReceiveResult {
	return ReceiveResult{Status: ReceiveTimeout}
}

func InvalidHandle() ReceiveResult {
	return ReceiveResult{Status: ReceiveInvalidHandle}
}

func QueueDeleted() ReceiveResult {
	return ReceiveResult{Status: ReceiveQueueDeleted}
}

func Failed(err error) ReceiveResult {
	return ReceiveResult{Status: ReceiveFailed, Err: err}
}
