package runtime

import (
	"io"
	"log/slog"
	"sync"
	"time"

	configpkg "github.com/drblury/dispatchloop/internal/runtime/config"
	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// testConfig returns a configuration with short timings and the HTTP
// surfaces disabled, so tests never bind ports or share a registry.
func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.MetricsEnabled = false
	conf.StatusAPIEnabled = false
	conf.HealthChecksEnabled = false
	conf.TelemetryEnabled = false
	conf.ErrorRetryAttempts = 1
	conf.ErrorRetryDelay = time.Millisecond
	conf.ShutdownTimeout = 2 * time.Second
	return conf
}

type logEntry struct {
	level   string
	message string
	fields  loggingpkg.LogFields
}

// recordingLogger captures log calls so tests can assert on levels.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, message string, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, message: message, fields: fields})
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }

func (l *recordingLogger) Debug(message string, fields loggingpkg.LogFields) {
	l.record("debug", message, fields)
}

func (l *recordingLogger) Info(message string, fields loggingpkg.LogFields) {
	l.record("info", message, fields)
}

func (l *recordingLogger) Warn(message string, fields loggingpkg.LogFields) {
	l.record("warn", message, fields)
}

func (l *recordingLogger) Error(message string, err error, fields loggingpkg.LogFields) {
	l.record("error", message, fields)
}

func (l *recordingLogger) levels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	for i, entry := range l.entries {
		out[i] = entry.level
	}
	return out
}

func (l *recordingLogger) lastLevelFor(message string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].message == message {
			return l.entries[i].level
		}
	}
	return ""
}

func newTestRouter(conf *configpkg.Config, hooks DispatchHooks) *MessageRouter {
	logger := testLogger()
	faults := NewFaultManager(conf, logger, nil)
	pool := newWorkerPool(conf.WorkerPoolSize)
	return NewMessageRouter(conf, logger, faults, pool, nil, hooks)
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
