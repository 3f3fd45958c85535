// Package logger is a process-wide log dispatcher. Backends are installed
// once with Init; every call fans out to all of them.
package logger

import "sync/atomic"

// LoggerInstance defines the interface for logging backends.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

type level int

const (
	levelLog level = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelFatal
)

var backends atomic.Pointer[[]LoggerInstance]

// Init installs the given backends, replacing any earlier ones. Until Init
// has been called every logging function is a no-op.
func Init(instances ...LoggerInstance) {
	list := append([]LoggerInstance(nil), instances...)
	backends.Store(&list)
}

// Reset removes all backends.
func Reset() {
	backends.Store(nil)
}

func dispatch(lvl level, message string, keyvals []any) {
	list := backends.Load()
	if list == nil {
		return
	}
	for _, b := range *list {
		switch lvl {
		case levelDebug:
			b.Debug(message, keyvals...)
		case levelInfo:
			b.Info(message, keyvals...)
		case levelWarn:
			b.Warn(message, keyvals...)
		case levelError:
			b.Error(message, keyvals...)
		case levelFatal:
			b.Fatal(message, keyvals...)
		default:
			b.Log(message, keyvals...)
		}
	}
}

func Log(message string, keyvals ...any)   { dispatch(levelLog, message, keyvals) }
func Debug(message string, keyvals ...any) { dispatch(levelDebug, message, keyvals) }
func Info(message string, keyvals ...any)  { dispatch(levelInfo, message, keyvals) }
func Warn(message string, keyvals ...any)  { dispatch(levelWarn, message, keyvals) }
func Error(message string, keyvals ...any) { dispatch(levelError, message, keyvals) }

// Fatal logs at FATAL level. Backends decide whether to exit; the console
// backend does.
func Fatal(message string, keyvals ...any) { dispatch(levelFatal, message, keyvals) }
