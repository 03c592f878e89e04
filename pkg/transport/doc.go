// Package transport provides a transactional point-to-point message transport
// on top of a durable native queue subsystem.
//
// # Overview
//
// Every send and receive is enlisted in a caller-provided unit of work. Sends
// issued within one unit of work share a single native transaction and become
// visible to receivers only when the unit of work commits. A received message
// leaves the queue only on commit; disposing the unit of work without
// committing returns it to the queue.
//
// Queues are named "queue" or "queue@host". Unqualified names refer to the
// local machine. Local queues are created on first use, made transactional and
// granted baseline permissions; queues on other machines are assumed to exist.
//
// # Basic Usage
//
//	sub := memory.New()
//
//	t, err := transport.New(sub, "orders", transport.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer t.Close()
//
//	scope := transport.NewScope()
//	defer scope.Dispose()
//
//	msg := transport.NewMessage(map[string]string{transport.HeaderMessageID: id}, body)
//	if err := t.Send(ctx, "billing", msg, scope); err != nil {
//		return err
//	}
//
//	return scope.Complete(ctx)
//
// Receiving:
//
//	scope := transport.NewScope()
//	defer scope.Dispose()
//
//	msg, err := t.Receive(ctx, scope)
//	if err != nil || msg == nil {
//		return err
//	}
//
//	// handle msg, then commit to remove it from the queue
//	return scope.Complete(ctx)
//
// # Backends
//
// The native subsystem is pluggable: see the memory, rabbitmq, postgres and
// redis packages under native.
package transport
