package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Logger is the process-wide structured logger. Level is controlled by
// SCRIPTSTREAM_LOG_LEVEL (debug, info, warn, error; default info).
var Logger = newLogger()

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SCRIPTSTREAM_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Engine defaults. Each reads its env var on every call so tests can override
// with t.Setenv without process-global state.

// MaxRetries is the number of re-attempts after the initial stream attempt.
func MaxRetries() int {
	return envInt("SCRIPTSTREAM_MAX_RETRIES", 3)
}

// RetryBaseDelay is the backoff base for the first retry.
func RetryBaseDelay() time.Duration {
	return time.Duration(envInt("SCRIPTSTREAM_RETRY_DELAY_MS", 1000)) * time.Millisecond
}

// StreamTimeout is the wall-clock bound on one whole session run, backoff
// waits included.
func StreamTimeout() time.Duration {
	return time.Duration(envInt("SCRIPTSTREAM_STREAM_TIMEOUT_SECS", 300)) * time.Second
}

// MaxChunks bounds the retained raw-fragment ring per session.
func MaxChunks() int {
	return envInt("SCRIPTSTREAM_MAX_CHUNKS", 500)
}

// UpstreamTimeout bounds a single HTTP attempt at the transport layer. Zero
// means the session context is the only bound.
func UpstreamTimeout() time.Duration {
	return time.Duration(envInt("SCRIPTSTREAM_UPSTREAM_TIMEOUT_SECS", 0)) * time.Second
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
