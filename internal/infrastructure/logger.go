package infrastructure

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/architeacher/txtransport/internal/config"
)

// Logger is the process wide structured logger.
type Logger struct {
	zerolog.Logger
}

func New(cfg config.LoggingConfig) Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter builds a Logger writing to w. A "console" format renders
// human readable lines, anything else renders JSON.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return Logger{
		Logger: zerolog.New(w).Level(level).With().Timestamp().Logger(),
	}
}
