// Package logger provides structured logging for barf on top of log/slog
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Global logger instance, nil until Init is called
var (
	defaultLogger *slog.Logger
	logFile       *os.File
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logger configuration
type Config struct {
	Level     LogLevel
	Format    string // "text" or "json"
	Output    io.Writer
	AddSource bool
	LogFile   string
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  LevelWarn,
		Format: "text",
		Output: os.Stderr,
	}
}

// ParseLevel maps a level name to a LogLevel, defaulting to warn
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "error":
		return LevelError
	default:
		return LevelWarn
	}
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	var handler slog.Handler

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		Close()
		logFile = file
		output = file
	}

	opts := &slog.HandlerOptions{
		Level:     toSlogLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler)
	return nil
}

// Close releases the log file opened by Init, if any
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Enabled reports whether messages at level would be written
func Enabled(level LogLevel) bool {
	return defaultLogger != nil && defaultLogger.Enabled(context.Background(), toSlogLevel(level))
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, args...)
	}
}

// Info logs an info message
func Info(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, args...)
	}
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, args...)
	}
}

// Error logs an error message
func Error(msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, args...)
	}
}

// With returns a new logger with the given attributes
func With(args ...any) *slog.Logger {
	if defaultLogger != nil {
		return defaultLogger.With(args...)
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil)).With(args...)
}

// Pipeline logging helpers

// LogObjectRead logs a parsed native object
func LogObjectRead(file, format string, sections, symbols int) {
	Debug("Object read", "file", file, "format", format, "sections", sections, "symbols", symbols)
}

// LogContainerRead logs a decoded container
func LogContainerRead(file string, sections, symbols, imports int) {
	Debug("Container read", "file", file, "sections", sections, "symbols", symbols, "imports", imports)
}

// LogContainerWritten logs an encoded container
func LogContainerWritten(file string, size int) {
	Info("Container written", "file", file, "bytes", size)
}

// LogLinkStart logs linker start
func LogLinkStart(objectCount int) {
	Debug("Starting link", "objects", objectCount)
}

// LogMergedSection logs one merged output section
func LogMergedSection(name string, addr, size uint64, inputs int) {
	Debug("Merged section", "section", name, "addr", addr, "size", size, "inputs", inputs)
}

// LogLinkComplete logs linker completion
func LogLinkComplete(sections, symbols, imports, relocs int) {
	Debug("Link complete", "sections", sections, "symbols", symbols, "imports", imports, "relocations", relocs)
}

// LogRegion logs an allocated load region
func LogRegion(base uintptr, size uint64, low32 bool) {
	Debug("Region allocated", "base", base, "size", size, "low32", low32)
}

// LogImportBound logs an import bound to a platform function
func LogImportBound(name string, stub, target uintptr) {
	Debug("Import bound", "import", name, "stub", stub, "target", target)
}

// LogEntry logs the transfer of control to the entry point
func LogEntry(name string, addr uintptr, args []string) {
	Info("Calling entry point", "entry", name, "addr", addr, "args", args)
}

// LogExit logs the value returned by the entry point
func LogExit(status int) {
	Info("Entry point returned", "status", status)
}
