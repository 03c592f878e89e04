package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/architeacher/txtransport/pkg/transport/address"
	"github.com/architeacher/txtransport/pkg/transport/native"
)

// Unit of work item keys.
const (
	currentTxKey      = "txtransport:current-native-tx"
	outgoingQueuesKey = "txtransport:outgoing-queues"
)

type (
	// Transport moves messages between named queues of a native subsystem,
	// enlisting every send and receive in the caller's unit of work.
	// Thread-safe for concurrent use.
	Transport struct {
		subsystem native.Subsystem
		manager   *QueueManager
		logger    Logger
		codec     HeaderCodec
		labelFunc LabelFunc
		otel      *instrumentation

		hostname       string
		inputAddress   string
		inputPath      string
		receiveTimeout time.Duration

		callbacksMu sync.RWMutex
		callbacks   []NewQueueCallback

		// ensured remembers local destination paths already checked.
		ensured sync.Map

		mu     sync.Mutex
		input  atomic.Pointer[inputQueue]
		closed atomic.Bool
	}

	inputQueue struct {
		native.Queue
	}

	// outgoingQueues caches destination handles for one unit of work.
	outgoingQueues struct {
		mu      sync.Mutex
		handles map[string]native.Queue
	}
)

// New creates a transport that receives from inputQueueAddress and can send
// anywhere. Unqualified input addresses are qualified with the local hostname.
func New(subsystem native.Subsystem, inputQueueAddress string, opts ...Option) (*Transport, error) {
	if inputQueueAddress == "" {
		return nil, fmt.Errorf("%w: input queue address is empty", address.ErrInvalidAddress)
	}

	t, err := newTransport(subsystem, opts...)
	if err != nil {
		return nil, err
	}

	t.inputAddress = address.GloballyAddressable(inputQueueAddress, t.hostname)

	addr, err := address.Parse(t.inputAddress)
	if err != nil {
		return nil, err
	}

	t.inputPath = address.LocalPath(addr)

	return t, nil
}

// NewOneWayClient creates a transport without an input queue. It can only send.
func NewOneWayClient(subsystem native.Subsystem, opts ...Option) (*Transport, error) {
	return newTransport(subsystem, opts...)
}

func newTransport(subsystem native.Subsystem, opts ...Option) (*Transport, error) {
	if subsystem == nil {
		return nil, errors.New("transport: native subsystem is required")
	}

	o := defaultTransportOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = nopLogger{}
	}

	if o.codec == nil {
		o.codec = JSONHeaderCodec{}
	}

	if o.hostname == "" {
		o.hostname = address.Hostname()
	}

	if o.receiveTimeout <= 0 {
		o.receiveTimeout = defaultReceiveTimeout
	}

	instr, err := newInstrumentation(o.tracerProvider, o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	return &Transport{
		subsystem:      subsystem,
		manager:        NewQueueManager(subsystem, o.principals, o.logger),
		logger:         o.logger,
		codec:          o.codec,
		labelFunc:      o.labelFunc,
		otel:           instr,
		hostname:       o.hostname,
		receiveTimeout: o.receiveTimeout,
		callbacks:      o.callbacks,
	}, nil
}

// Address returns the globally addressable input queue address, or "" for a
// one-way client.
func (t *Transport) Address() string {
	return t.inputAddress
}

// Manager exposes the lifecycle manager bound to this transport's subsystem.
func (t *Transport) Manager() *QueueManager {
	return t.manager
}

// Inspector returns a depth inspector for the input queue.
func (t *Transport) Inspector() *Inspector {
	return NewInspector(t.manager, t.inputAddress)
}

// AddQueueCallback registers a callback for queues created from now on.
func (t *Transport) AddQueueCallback(cb NewQueueCallback) {
	t.callbacksMu.Lock()
	defer t.callbacksMu.Unlock()

	t.callbacks = append(t.callbacks, cb)
}

func (t *Transport) queueCallbacks() []NewQueueCallback {
	t.callbacksMu.RLock()
	defer t.callbacksMu.RUnlock()

	return append([]NewQueueCallback(nil), t.callbacks...)
}

// Initialize eagerly opens the input queue, creating it when missing.
func (t *Transport) Initialize(ctx context.Context) error {
	if t.inputAddress == "" {
		t.logger.Info().Msg("initializing one-way transport")

		return nil
	}

	t.logger.Info().Str("queue", t.inputAddress).Msg("initializing transport with input queue")

	_, err := t.inputQueue(ctx)

	return err
}

// CreateQueue ensures the queue named by addr exists and is transactional.
// Queues on other machines are left alone.
func (t *Transport) CreateQueue(ctx context.Context, addr string) error {
	a, err := address.Parse(addr)
	if err != nil {
		return err
	}

	if !address.IsLocal(a, t.hostname) {
		t.logger.Debug().Str("queue", addr).Msg("skipping creation of remote queue")

		return nil
	}

	path := address.LocalPath(a)

	if err := t.manager.EnsureExists(ctx, path, t.queueCallbacks()...); err != nil {
		return err
	}

	return t.manager.EnsureTransactional(ctx, path)
}

// PurgeInputQueue removes every entry from the input queue.
func (t *Transport) PurgeInputQueue(ctx context.Context) error {
	if t.inputAddress == "" {
		return ErrNoInputQueue
	}

	return t.manager.Purge(ctx, t.inputPath)
}

// Send enlists msg for delivery to destination in uow. Nothing is visible to
// receivers until uow commits.
//
// Sends share the native transaction of a Receive made earlier in uow. A
// Receive that found no message aborts that transaction, so a later Send in
// the same uow fails with a *SendError; use a fresh uow after an empty receive.
func (t *Transport) Send(ctx context.Context, destination string, msg *Message, uow UnitOfWork) (err error) {
	start := time.Now()

	ctx, end := t.otel.startSpan(ctx, "transport.Send", attribute.String("destination", destination))
	defer func() {
		t.otel.recordSend(ctx, time.Since(start), destination, err)
		end(err)
	}()

	switch {
	case t.closed.Load():
		return ErrClosed
	case msg == nil:
		return ErrNilMessage
	case uow == nil:
		return ErrNilUnitOfWork
	}

	addr, err := address.Parse(destination)
	if err != nil {
		return err
	}

	path := address.FullPath(addr, t.hostname)

	if err := t.ensureDestination(ctx, addr); err != nil {
		return &SendError{Path: path, Cause: err}
	}

	entry, err := toEntry(msg, t.codec, t.labelFunc)
	if err != nil {
		return &SendError{Path: path, Cause: err}
	}

	ntx, err := t.currentTx(ctx, uow)
	if err != nil {
		return &SendError{Path: path, Cause: err}
	}

	queues, err := getOrAdd(uow, outgoingQueuesKey, func() (*outgoingQueues, error) {
		oq := &outgoingQueues{handles: make(map[string]native.Queue)}
		uow.OnDisposed(func() { oq.close(t.logger) })

		return oq, nil
	})
	if err != nil {
		return &SendError{Path: path, Cause: err}
	}

	q, err := queues.get(path, func() (native.Queue, error) {
		return t.subsystem.Open(ctx, path, native.AccessSend, native.PropertyFilter{})
	})
	if err != nil {
		return &SendError{Path: path, Cause: err}
	}

	if err := q.Send(ctx, entry, ntx); err != nil {
		return &SendError{Path: path, Cause: err}
	}

	return nil
}

// currentTx returns the native transaction shared by uow, beginning it and
// scheduling its commit on first use.
func (t *Transport) currentTx(ctx context.Context, uow UnitOfWork) (native.Tx, error) {
	return getOrAdd(uow, currentTxKey, func() (native.Tx, error) {
		ntx, err := t.subsystem.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin native transaction: %w", err)
		}

		uow.OnCommitted(ntx.Commit)
		uow.OnDisposed(func() { t.closeTx(ntx) })

		return ntx, nil
	})
}

func (t *Transport) ensureDestination(ctx context.Context, addr address.Address) error {
	if !address.IsLocal(addr, t.hostname) {
		return nil
	}

	path := address.LocalPath(addr)
	key := strings.ToLower(path)

	if _, ok := t.ensured.Load(key); ok {
		return nil
	}

	if err := t.manager.EnsureExists(ctx, path, t.queueCallbacks()...); err != nil {
		return err
	}

	if err := t.manager.EnsureTransactional(ctx, path); err != nil {
		return err
	}

	t.ensured.Store(key, struct{}{})

	return nil
}

// Receive takes the next message from the input queue within uow. It returns
// (nil, nil) when no message arrived within the receive timeout, when the
// input handle had to be rebuilt, or when the input queue was deleted.
func (t *Transport) Receive(ctx context.Context, uow UnitOfWork) (msg *Message, err error) {
	start := time.Now()

	ctx, end := t.otel.startSpan(ctx, "transport.Receive", attribute.String("queue", t.inputAddress))
	defer func() {
		t.otel.recordReceive(ctx, time.Since(start), t.inputAddress, msg != nil, err)
		end(err)
	}()

	switch {
	case t.closed.Load():
		return nil, ErrClosed
	case uow == nil:
		return nil, ErrNilUnitOfWork
	case t.inputAddress == "":
		return nil, ErrNoInputQueue
	}

	q, err := t.inputQueue(ctx)
	if err != nil {
		return nil, err
	}

	if _, ok := uow.Load(currentTxKey); ok {
		return nil, ErrDuplicateTransaction
	}

	ntx, err := t.subsystem.Begin(ctx)
	if err != nil {
		return nil, &ReceiveError{Queue: t.inputAddress, Cause: err}
	}

	uow.Store(currentTxKey, ntx)
	uow.OnDisposed(func() { t.closeTx(ntx) })

	res := q.Receive(context.WithoutCancel(ctx), t.receiveTimeout, ntx)

	switch res.Status {
	case native.ReceiveOK:
		return t.completeReceive(ctx, uow, ntx, res.Entry)
	case native.ReceiveTimeout:
		t.abortTx(ctx, ntx)

		return nil, nil
	case native.ReceiveInvalidHandle:
		t.logger.Warn().Str("queue", t.inputAddress).Msg("input queue handle is invalid, it will be reinitialized")
		t.abortTx(ctx, ntx)
		t.rebuildInputQueue(ctx, q)

		return nil, nil
	case native.ReceiveQueueDeleted:
		t.logger.Warn().Str("queue", t.inputAddress).Msg("input queue was deleted - will not receive any more messages")
		t.abortTx(ctx, ntx)

		return nil, nil
	default:
		t.abortTx(ctx, ntx)

		return nil, &ReceiveError{Queue: t.inputAddress, Cause: res.Err}
	}
}

func (t *Transport) completeReceive(ctx context.Context, uow UnitOfWork, ntx native.Tx, entry *native.Entry) (*Message, error) {
	uow.OnDisposed(func() {
		if err := entry.Close(); err != nil {
			t.logger.Warn().Err(err).Str("queue", t.inputAddress).Msg("failed to dispose received entry")
		}
	})

	headers := map[string]string{}

	if len(entry.Extension) > 0 {
		decoded, err := t.codec.Decode(entry.Extension)
		if err != nil {
			t.logger.Warn().Err(err).Str("queue", t.inputAddress).Str("entry_id", entry.ID).
				Msg("could not decode headers, the message is delivered without headers")
		} else if decoded != nil {
			headers = decoded
		}
	}

	body, err := readBody(ctx, entry.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of entry %s: %w", entry.ID, err)
	}

	uow.OnCommitted(ntx.Commit)

	return &Message{Headers: headers, Body: body}, nil
}

// inputQueue returns the open input handle, creating the queue and opening the
// handle on first use.
func (t *Transport) inputQueue(ctx context.Context) (*inputQueue, error) {
	if q := t.input.Load(); q != nil {
		return q, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if q := t.input.Load(); q != nil {
		return q, nil
	}

	if err := t.manager.EnsureExists(ctx, t.inputPath, t.queueCallbacks()...); err != nil {
		return nil, fmt.Errorf("failed to initialize input queue %s: %w", t.inputAddress, err)
	}

	if err := t.manager.EnsureTransactional(ctx, t.inputPath); err != nil {
		return nil, err
	}

	handle, err := t.subsystem.Open(ctx, t.inputPath, native.AccessSendAndReceive, native.DefaultReceiveFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to open input queue %s: %w", t.inputAddress, err)
	}

	q := &inputQueue{Queue: handle}
	t.input.Store(q)

	return q, nil
}

// rebuildInputQueue drops stale and reopens. Only the caller that swaps
// stale out closes it; a failed reopen is retried on the next receive.
func (t *Transport) rebuildInputQueue(ctx context.Context, stale *inputQueue) {
	if t.input.CompareAndSwap(stale, nil) {
		if err := stale.Close(); err != nil && !errors.Is(err, native.ErrInvalidHandle) {
			t.logger.Warn().Err(err).Str("queue", t.inputAddress).Msg("failed to close invalid input queue handle")
		}

		t.otel.recordRebuild(ctx, t.inputAddress)
	}

	if _, err := t.inputQueue(ctx); err != nil {
		t.logger.Warn().Err(err).Str("queue", t.inputAddress).Msg("could not reinitialize input queue")

		return
	}

	t.logger.Info().Str("queue", t.inputAddress).Msg("input queue was reinitialized")
}

func (t *Transport) abortTx(ctx context.Context, ntx native.Tx) {
	if err := ntx.Abort(ctx); err != nil && !errors.Is(err, native.ErrTxDone) {
		t.logger.Warn().Err(err).Str("queue", t.inputAddress).Msg("failed to abort native transaction")
	}
}

func (t *Transport) closeTx(ntx native.Tx) {
	if err := ntx.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("failed to dispose native transaction")
	}
}

// Close releases the input handle. A closed transport rejects sends and receives.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.input.Swap(nil)
	if q == nil {
		return nil
	}

	if err := q.Close(); err != nil && !errors.Is(err, native.ErrInvalidHandle) {
		return fmt.Errorf("failed to close input queue %s: %w", t.inputAddress, err)
	}

	return nil
}

func (oq *outgoingQueues) get(path string, open func() (native.Queue, error)) (native.Queue, error) {
	oq.mu.Lock()
	defer oq.mu.Unlock()

	key := strings.ToLower(path)
	if q, ok := oq.handles[key]; ok {
		return q, nil
	}

	q, err := open()
	if err != nil {
		return nil, err
	}

	oq.handles[key] = q

	return q, nil
}

func (oq *outgoingQueues) close(logger Logger) {
	oq.mu.Lock()
	defer oq.mu.Unlock()

	for path, q := range oq.handles {
		if err := q.Close(); err != nil {
			logger.Warn().Err(err).Str("queue", path).Msg("failed to close outgoing queue handle")
		}

		delete(oq.handles, path)
	}
}
