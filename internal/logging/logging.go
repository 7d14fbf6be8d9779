// Package logging configures the process-wide slog default: text logs to
// stderr and, when a log directory is configured, an appended log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Setup installs the default logger. logDir may be empty to log to
// stderr only. The level comes from CARPI_LOG_LEVEL (debug, info, warn,
// error), defaulting to info.
func Setup(logDir string) error {
	writers := []io.Writer{os.Stderr}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "carpid.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: levelFromEnv(),
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("CARPI_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
