package transport

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter adapts a zerolog.Logger to the transport logger interface.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologLogger adapts a zerolog.Logger
func NewZerologLogger(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Info returns an info log event
func (l *ZerologAdapter) Info() LogEvent {
	return &zerologEvent{event: l.logger.Info()}
}

// Warn returns a warning log event
func (l *ZerologAdapter) Warn() LogEvent {
	return &zerologEvent{event: l.logger.Warn()}
}

// Error returns an error log event
func (l *ZerologAdapter) Error() LogEvent {
	return &zerologEvent{event: l.logger.Error()}
}

// Debug returns a debug log event
func (l *ZerologAdapter) Debug() LogEvent {
	return &zerologEvent{event: l.logger.Debug()}
}

// zerologEvent wraps *zerolog.Event. A nil event (level disabled) is safe to
// use; zerolog's Event methods are nil-receiver safe.
type zerologEvent struct {
	event *zerolog.Event
}

// Msg logs a message
func (e *zerologEvent) Msg(msg string) {
	e.event.Msg(msg)
}

// Err adds an error to the log event
func (e *zerologEvent) Err(err error) LogEvent {
	return &zerologEvent{event: e.event.Err(err)}
}

// Str adds a string field to the log event
func (e *zerologEvent) Str(key, value string) LogEvent {
	return &zerologEvent{event: e.event.Str(key, value)}
}
