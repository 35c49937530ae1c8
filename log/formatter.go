package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Output formats understood by NewHandler.
const (
	FormatTerminal = "terminal"
	FormatJSON     = "json"
)

// Config selects the level, format and destination of the default logger.
type Config struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	// Verbosity, when non-negative, overrides Level using the go-ethereum
	// scale 0 (silent) .. 5 (trace).
	Verbosity int `toml:"verbosity" json:"verbosity"`
}

// DefaultConfig logs at info level to a terminal handler.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatTerminal, Verbosity: -1}
}

// ParseLevel parses a level name. The match is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LevelFromVerbosity maps a go-ethereum style verbosity to a slog level.
func LevelFromVerbosity(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError + 4
	case v == 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	case v == 4:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// Setup builds a logger from cfg writing to w, installs it as the default
// and returns it.
func Setup(w io.Writer, cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Verbosity >= 0 {
		level = LevelFromVerbosity(cfg.Verbosity)
	}
	switch cfg.Format {
	case "", FormatTerminal, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	l := New(w, level, cfg.Format)
	SetDefault(l)
	return l, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
