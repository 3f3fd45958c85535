// Package console is the terminal backend of pkg/logger, built on
// charmbracelet/log.
package console

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

type ConsoleLoggerParams struct {
	Debug bool
	// Format is "text" (default), "json" or "logfmt".
	Format string
	Prefix string
	// Output defaults to stderr.
	Output io.Writer
}

type ConsoleLogger struct {
	l *log.Logger
}

func formatter(name string) log.Formatter {
	switch name {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

func NewConsoleLogger(params ConsoleLoggerParams) *ConsoleLogger {
	out := params.Output
	if out == nil {
		out = os.Stderr
	}
	opts := log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
		Formatter:       formatter(params.Format),
		Prefix:          params.Prefix,
	}
	if params.Debug {
		opts.Level = log.DebugLevel
	}
	return &ConsoleLogger{l: log.NewWithOptions(out, opts)}
}

func (c *ConsoleLogger) Log(message string, keyvals ...any)   { c.l.Print(message, keyvals...) }
func (c *ConsoleLogger) Debug(message string, keyvals ...any) { c.l.Debug(message, keyvals...) }
func (c *ConsoleLogger) Info(message string, keyvals ...any)  { c.l.Info(message, keyvals...) }
func (c *ConsoleLogger) Warn(message string, keyvals ...any)  { c.l.Warn(message, keyvals...) }
func (c *ConsoleLogger) Error(message string, keyvals ...any) { c.l.Error(message, keyvals...) }

// Fatal logs and exits the process with status 1.
func (c *ConsoleLogger) Fatal(message string, keyvals ...any) { c.l.Fatal(message, keyvals...) }
