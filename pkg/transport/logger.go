package transport

// Logger defines a simple logging interface to avoid tying the transport to a
// logging framework.
type Logger interface {
	Info() LogEvent
	Warn() LogEvent
	Error() LogEvent
	Debug() LogEvent
}

// LogEvent defines a simple log event interface
type LogEvent interface {
	Msg(string)
	Err(error) LogEvent
	Str(string, string) LogEvent
}

type (
	nopLogger struct{}
	nopEvent  struct{}
)

func (nopLogger) Info() LogEvent  { return nopEvent{} }
func (nopLogger) Warn() LogEvent  { return nopEvent{} }
func (nopLogger) Error() LogEvent { return nopEvent{} }
func (nopLogger) Debug() LogEvent { return nopEvent{} }

func (nopEvent) Msg(string)                    {}
func (e nopEvent) Err(error) LogEvent          { return e }
func (e nopEvent) Str(string, string) LogEvent { return e }
