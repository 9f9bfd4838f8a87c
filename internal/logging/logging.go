// Package logging configures the process-wide zerolog logger for Overseer.
// Console output goes to stderr (so it never interleaves with pipeline
// output on stdout); an optional file writer under the data directory keeps
// persistent logs for troubleshooting.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	root   zerolog.Logger
	inited bool
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to log: debug, info, warn, error.
	Level string
	// File is an optional path for persistent logs.
	File string
	// Console enables human-readable console output (vs raw JSON).
	Console bool
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

// Init sets up the global logger. Safe to call more than once; the last call
// wins. A failure to open the log file degrades to console-only logging.
func Init(cfg Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		writers = append(writers, os.Stderr)
	}

	var fileErr error
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			fileErr = err
		} else if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			fileErr = err
		} else {
			writers = append(writers, f)
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	mu.Lock()
	root = logger
	inited = true
	mu.Unlock()

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("file", cfg.File).Msg("log file unavailable, console only")
	}
	return nil
}

// Logger returns the global logger, initializing it with defaults if Init
// was never called.
func Logger() zerolog.Logger {
	mu.RLock()
	if inited {
		l := root
		mu.RUnlock()
		return l
	}
	mu.RUnlock()
	_ = Init(DefaultConfig())
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component returns a sub-logger tagged with a component name. This is the
// way packages should obtain their logger.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}
