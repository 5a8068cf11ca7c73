// Package logging builds the zerolog loggers used across storyline.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "storyline"

// New logs to stdout: human-readable in the local environment, JSON elsewhere.
func New(environment, level string) (zerolog.Logger, error) {
	var writer io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return NewWithWriter(writer, level)
}

// NewWithWriter builds the service logger on top of writer. An empty level
// means info. Debug and trace loggers also record the caller.
func NewWithWriter(writer io.Writer, level string) (zerolog.Logger, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = zerolog.InfoLevel.String()
	}
	parsedLevel, err := zerolog.ParseLevel(normalized)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}

	ctx := zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", serviceName)
	if parsedLevel <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

// WithComponent tags every event from the returned logger with the owning component.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
