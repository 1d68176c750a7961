// Package logging provides the leveled, per-module log backend used by every
// role in the node.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const defaultFormat = "%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}"

var (
	mu      sync.Mutex
	backend logging.LeveledBackend
	out     io.WriteCloser
)

func init() {
	backend = newBackend(os.Stderr, logging.INFO)
	logging.SetBackend(backend)
}

// Setup points all module loggers at file (stderr when empty) with the given
// level name (DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL).
func Setup(file string, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	var w io.WriteCloser = nopCloser{os.Stderr}
	if strings.TrimSpace(file) != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = f
	}

	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	out = w
	backend = newBackend(w, lvl)
	logging.SetBackend(backend)
	return nil
}

// SetOutput is used by tests to capture log lines.
func SetOutput(w io.Writer, level string) {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = logging.DEBUG
	}
	mu.Lock()
	defer mu.Unlock()
	backend = newBackend(w, lvl)
	logging.SetBackend(backend)
}

// GetLogger returns the logger for module. Loggers resolve the backend at
// log time, so package-level loggers follow later calls to Setup.
func GetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

func ParseLevel(level string) (logging.Level, error) {
	if strings.TrimSpace(level) == "" {
		return logging.INFO, nil
	}
	lvl, err := logging.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if err != nil {
		return logging.INFO, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

// MaskKey shortens a public key for log lines.
func MaskKey(key string) string {
	if len(key) >= 8 {
		return key[:8] + "..."
	}
	return "***"
}

func newBackend(w io.Writer, lvl logging.Level) logging.LeveledBackend {
	b := logging.NewLogBackend(w, "", 0)
	f := logging.NewBackendFormatter(b, logging.MustStringFormatter(defaultFormat))
	leveled := logging.AddModuleLevel(f)
	leveled.SetLevel(lvl, "")
	return leveled
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
