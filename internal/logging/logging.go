// Package logging builds the zerolog loggers used across leaserun.
//
// Loggers are created once by the CLI from the logging section of the
// configuration, attached to the command context, and retrieved by the
// packages that need them with FromContext. Packages derive a component
// logger so every line carries the subsystem that produced it.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Supported output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Supported output targets.
const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
	OutputFile   = "file"
)

// Config controls logger construction.
type Config struct {
	// Level is a zerolog level name ("debug", "info", ...). Invalid values fall back to info.
	Level string

	// Format is "console" or "json". Empty means console.
	Format string

	// Output is "stderr", "stdout" or "file".
	Output string

	// File is the log file path used when Output is "file".
	File string

	// Caller adds the caller location to every entry.
	Caller bool

	// Writer overrides the console destination. Used by tests.
	Writer io.Writer
}

// LogPathResult is the outcome of NewLoggerWithPath.
type LogPathResult struct {
	Logger zerolog.Logger

	// UsingFile reports whether entries are written to FilePath.
	UsingFile bool
	FilePath  string

	// FallbackUsed is set when a file was requested but could not be opened.
	FallbackUsed   bool
	FallbackReason string

	file *os.File
}

// Close releases the log file handle, if one was opened.
func (r *LogPathResult) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger returns a logger writing to the configured console destination.
// File output is ignored; use NewLoggerWithPath for that.
func NewLogger(cfg Config) zerolog.Logger {
	return build(cfg, consoleWriter(cfg))
}

// NewLoggerWithPath returns a logger honoring file output. When the file
// cannot be opened the logger falls back to stderr and the reason is
// reported in the result rather than as an error.
func NewLoggerWithPath(cfg Config) LogPathResult {
	if cfg.Output != OutputFile || cfg.File == "" {
		return LogPathResult{Logger: NewLogger(cfg)}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return LogPathResult{
			Logger:         NewLogger(cfg),
			FallbackUsed:   true,
			FallbackReason: fmt.Sprintf("creating log directory: %v", err),
		}
	}

	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return LogPathResult{
			Logger:         NewLogger(cfg),
			FallbackUsed:   true,
			FallbackReason: fmt.Sprintf("opening log file: %v", err),
		}
	}

	var w io.Writer = f
	if cfg.Format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339, NoColor: true}
	}

	return LogPathResult{
		Logger:    build(cfg, w),
		UsingFile: true,
		FilePath:  cfg.File,
		file:      f,
	}
}

func consoleWriter(cfg Config) io.Writer {
	out := cfg.Writer
	if out == nil {
		if cfg.Output == OutputStdout {
			out = os.Stdout
		} else {
			out = os.Stderr
		}
	}
	if cfg.Format == FormatJSON {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

func build(cfg Config, w io.Writer) zerolog.Logger {
	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ComponentLogger tags every entry of l with the given component name.
func ComponentLogger(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// FromContext returns the logger attached to ctx, or a disabled logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// PrintLogPathMessage tells the user where log output went.
func PrintLogPathMessage(w io.Writer, path string) {
	_, _ = fmt.Fprintf(w, "Logging to %s\n", path)
}

// PrintFallbackWarning reports that file logging was requested but unavailable.
func PrintFallbackWarning(w io.Writer, reason string) {
	_, _ = fmt.Fprintf(w, "Warning: file logging unavailable (%s), using stderr\n", reason)
}
