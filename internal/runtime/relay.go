package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/architeacher/txtransport/internal/infrastructure"
	"github.com/architeacher/txtransport/internal/shared/backoff"
	"github.com/architeacher/txtransport/pkg/transport"
)

type (
	messageTransport interface {
		Receive(ctx context.Context, uow transport.UnitOfWork) (*transport.Message, error)
		Send(ctx context.Context, destination string, msg *transport.Message, uow transport.UnitOfWork) error
	}

	// Relay moves messages from the transport's input queue to a destination.
	// Each message is received and sent in one unit of work, so a failed send
	// leaves it on the input queue.
	Relay struct {
		transport   messageTransport
		destination string
		backoff     backoff.Strategy
		logger      infrastructure.Logger
	}
)

func NewRelay(t messageTransport, destination string, strategy backoff.Strategy, logger infrastructure.Logger) *Relay {
	return &Relay{
		transport:   t,
		destination: destination,
		backoff:     strategy,
		logger:      infrastructure.Logger{Logger: logger.With().Str("component", "relay").Str("destination", destination).Logger()},
	}
}

// Run relays until ctx is cancelled. Consecutive failures back off.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info().Msg("relay started")

	failures := 0

	for ctx.Err() == nil {
		if _, err := r.relayOne(ctx); err != nil {
			delay := r.backoff.Backoff(failures)
			failures++

			r.logger.Error().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("failed to relay message")

			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}

			continue
		}

		failures = 0
	}

	r.logger.Info().Msg("relay stopped")
}

// relayOne reports whether a message was moved.
func (r *Relay) relayOne(ctx context.Context) (bool, error) {
	scope := transport.NewScope()
	defer scope.Dispose()

	msg, err := r.transport.Receive(ctx, scope)
	if err != nil {
		return false, fmt.Errorf("failed to receive: %w", err)
	}

	if msg == nil {
		return false, nil
	}

	if err := r.transport.Send(ctx, r.destination, msg, scope); err != nil {
		return false, fmt.Errorf("failed to send to %s: %w", r.destination, err)
	}

	if err := scope.Complete(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	r.logger.Debug().Str("message_id", msg.Headers[transport.HeaderMessageID]).Msg("message relayed")

	return true, nil
}
