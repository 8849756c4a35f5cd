package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// Setup installs a JSON logger on stdout as the slog default.
func Setup(level string) (*slog.Logger, error) {
	logger, err := New(os.Stdout, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// New builds a JSON logger writing to w. All loggers share one level, so
// SetLevel affects every logger created here.
func New(w io.Writer, level string) (*slog.Logger, error) {
	if err := SetLevel(level); err != nil {
		return nil, err
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelVar,
	})
	return slog.New(handler).With("service", "tracetap-collector"), nil
}

func SetLevel(level string) error {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := levelVar.UnmarshalText([]byte(normalized)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	return nil
}

// Component tags logger output with the emitting subsystem.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}
