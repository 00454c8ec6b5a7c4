package server

import (
	"context"
	"sync"
	"time"

	"github.com/nimburion/redlock/pkg/health"
	"github.com/nimburion/redlock/pkg/observability/logger"
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any)             { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)              { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)              { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any)             { l.record("error", msg, args) }
func (l *recordingLogger) With(...any) logger.Logger                 { return l }
func (l *recordingLogger) WithContext(context.Context) logger.Logger { return l }

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.level == level && entry.msg == msg {
			return entry, true
		}
	}
	return logEntry{}, false
}

type staticChecker struct {
	name   string
	status health.Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) health.CheckResult {
	return health.CheckResult{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

func fieldValue(args []any, key string) any {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1]
		}
	}
	return nil
}
