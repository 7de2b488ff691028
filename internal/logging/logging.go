package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger

	onceMu   sync.Mutex
	onceKeys map[string]struct{}
)

func init() {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var lv slog.Level
		if err := lv.UnmarshalText([]byte(v)); err == nil {
			level = lv
		}
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	onceKeys = make(map[string]struct{})
}

// Logger returns the process-wide structured logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger overrides the global logger (useful for tests or custom sinks).
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// DiscardLogging routes logs to /dev/null while preserving structured handler semantics.
func DiscardLogging() {
	SetLogger(slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// WarnOnce logs msg at WARN the first time key is seen and is silent after.
// Used for per-filter provider sync warnings and the missing-API-key notice.
func WarnOnce(key, msg string, args ...any) bool {
	onceMu.Lock()
	_, seen := onceKeys[key]
	if !seen {
		onceKeys[key] = struct{}{}
	}
	onceMu.Unlock()
	if seen {
		return false
	}
	Logger().Warn(msg, args...)
	return true
}

// ResetOnce clears the WarnOnce ledger (tests).
func ResetOnce() {
	onceMu.Lock()
	onceKeys = make(map[string]struct{})
	onceMu.Unlock()
}
