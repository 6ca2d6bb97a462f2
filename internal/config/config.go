// Package config reads barf settings from the environment. Command line
// flags override these values.
package config

import (
	"time"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/barf/internal/object"
)

// Config holds the environment driven settings
type Config struct {
	Entry         string        // BARF_ENTRY
	Verbose       bool          // BARF_VERBOSE
	LogLevel      string        // BARF_LOG_LEVEL: debug, info, warn, error
	LogFormat     string        // BARF_LOG_FORMAT: text or json
	LogFile       string        // BARF_LOG_FILE
	Disasm        string        // BARF_DISASM: intel or gnu
	NoColor       bool          // NO_COLOR
	WatchDebounce time.Duration // BARF_WATCH_DEBOUNCE_MS
}

// Default debounce in milliseconds for watch mode
const defaultDebounceMS = 500

// Load reads the configuration from the environment
func Load() Config {
	cfg := Config{
		Entry:         env.Str("BARF_ENTRY", object.DefaultEntry),
		Verbose:       env.Bool("BARF_VERBOSE"),
		LogLevel:      env.Str("BARF_LOG_LEVEL", "warn"),
		LogFormat:     env.Str("BARF_LOG_FORMAT", "text"),
		LogFile:       env.Str("BARF_LOG_FILE"),
		Disasm:        env.Str("BARF_DISASM", "intel"),
		NoColor:       env.Str("NO_COLOR") != "",
		WatchDebounce: time.Duration(env.Int("BARF_WATCH_DEBOUNCE_MS", defaultDebounceMS)) * time.Millisecond,
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.Disasm != "gnu" {
		cfg.Disasm = "intel"
	}
	if cfg.LogFormat != "json" {
		cfg.LogFormat = "text"
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = defaultDebounceMS * time.Millisecond
	}
	return cfg
}
