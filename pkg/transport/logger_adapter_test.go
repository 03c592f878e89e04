package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologAdapter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event func(Logger) LogEvent
		level string
	}{
		{name: "info", event: Logger.Info, level: "info"},
		{name: "warn", event: Logger.Warn, level: "warn"},
		{name: "error", event: Logger.Error, level: "error"},
		{name: "debug", event: Logger.Debug, level: "debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
			tt.event(logger).Str("queue", "input").Err(errors.New("boom")).Msg("hello")

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

			assert.Equal(t, tt.level, line["level"])
			assert.Equal(t, "input", line["queue"])
			assert.Equal(t, "boom", line["error"])
			assert.Equal(t, "hello", line["message"])
		})
	}
}

func TestZerologAdapter_DisabledLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))
	logger.Debug().Str("k", "v").Err(errors.New("x")).Msg("dropped")

	assert.Zero(t, buf.Len())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		nopLogger{}.Warn().Str("k", "v").Err(errors.New("x")).Msg("ignored")
	})
}
