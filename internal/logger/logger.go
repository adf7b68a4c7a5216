package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"McpHost/internal/config"
)

// Setup configures the global zerolog logger from cfg and returns the root
// logger. The returned closer releases the log file, if any.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	SetLevelFromString(cfg.Level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		out = file
		closer = file
	}

	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.File != ""}
	}

	root := zerolog.New(out).With().Timestamp().Str("service", "mcphost").Logger()
	log.Logger = root
	return root, closer, nil
}

// SetLevelFromString sets the global level; unknown values fall back to info.
func SetLevelFromString(levelStr string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(levelStr)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Component returns a child of base tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
