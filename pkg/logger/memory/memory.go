package memory

import (
	"fmt"
	"sync"
)

// Entry is one captured log call.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// MemoryLogger implements LoggerInstance by keeping every call in memory.
// It is meant for tests and for short-lived tools that inspect their own logs.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLogger creates an empty in-memory logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) record(level, message string, keyvals []any) {
	fields := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Level: level, Message: message, Fields: fields})
	m.mu.Unlock()
}

func (m *MemoryLogger) Log(message string, keyvals ...any)   { m.record("log", message, keyvals) }
func (m *MemoryLogger) Debug(message string, keyvals ...any) { m.record("debug", message, keyvals) }
func (m *MemoryLogger) Info(message string, keyvals ...any)  { m.record("info", message, keyvals) }
func (m *MemoryLogger) Warn(message string, keyvals ...any)  { m.record("warn", message, keyvals) }
func (m *MemoryLogger) Error(message string, keyvals ...any) { m.record("error", message, keyvals) }
func (m *MemoryLogger) Fatal(message string, keyvals ...any) { m.record("fatal", message, keyvals) }

// Entries returns a copy of all captured entries, optionally filtered by level.
func (m *MemoryLogger) Entries(level string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if level == "" || e.Level == level {
			out = append(out, e)
		}
	}
	return out
}
