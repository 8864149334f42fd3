package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Root logger name used by every component.
const loggerName = "dstream-mysql"

var (
	mu         sync.RWMutex
	rootLogger hclog.Logger
)

// Options controls how the root logger is built.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// New builds a logger without installing it as the package logger.
func New(opts Options) hclog.Logger {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       loggerName,
		Level:      ParseLevel(opts.Level),
		JSONFormat: opts.JSON,
		Output:     output,
	})
}

// Setup builds the root logger and installs it for GetLogger.
func Setup(opts Options) hclog.Logger {
	logger := New(opts)
	SetLogger(logger)
	return logger
}

// SetLogger sets the global logger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	rootLogger = logger
}

// GetLogger returns the global logger, creating an info-level one on first use.
func GetLogger() hclog.Logger {
	mu.RLock()
	logger := rootLogger
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if rootLogger == nil {
		rootLogger = New(Options{Level: "info"})
	}
	return rootLogger
}

// ParseLevel maps a level name to an hclog level. Unknown names mean info.
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}
