// Package gsllog is the structured logger shared by every GSL component.
// It wraps charmbracelet/log, separating severity from message the way a
// colorized-print-plus-level pairing does, except fields are carried as
// structured key-values instead of being interpolated into the string.
package gsllog

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// timePattern is the human-readable layout Timestamp renders with; the root
// logger's own line timestamps use time.RFC3339 instead.
const timePattern = "%Y-%m-%d %H:%M:%S.%f"

var tsFormatter *strftime.Strftime

func init() {
	f, err := strftime.New(timePattern)
	if err == nil {
		tsFormatter = f
	}
}

// Logger adds a GSL-specific Trace level (packet-level GPR send/receive
// tracing) on top of charmbracelet/log's Debug/Info/Warn/Error/Fatal.
type Logger struct {
	*log.Logger
}

var root = &Logger{Logger: log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.RFC3339,
})}

// For returns a component-scoped logger, tagging every line it emits with
// a module name.
func For(component string) *Logger {
	return &Logger{Logger: root.Logger.With("component", component)}
}

// Trace logs packet-level detail (GPR opcode, graph/SG ids) that is too
// noisy for Debug in production builds but invaluable when diagnosing a
// wire-protocol mismatch.
func (l *Logger) Trace(msg string, keyvals ...interface{}) {
	l.Logger.Debug(msg, append(keyvals, "level", "trace")...)
}

// Timestamp renders t using the shared strftime pattern, for log sinks
// (e.g. the ACDB delta-save audit trail) that want a plain string rather
// than structured fields.
func Timestamp(t time.Time) string {
	if tsFormatter == nil {
		return t.Format(time.RFC3339)
	}
	return tsFormatter.FormatString(t)
}

// SetLevel adjusts the root logger's verbosity; cmd/gslhostd wires this to
// --log-level.
func SetLevel(lvl log.Level) {
	root.Logger.SetLevel(lvl)
}
