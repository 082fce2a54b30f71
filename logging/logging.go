// Package logging provides real-time console output for the presence hub.
// Lines follow the format: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string ("debug", "INFO", ...) into a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "" {
		return LevelInfo, nil
	}
	if level == "WARNING" {
		return LevelWarn, nil
	}
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
// Derived loggers share the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Presence event helpers ---

// NodeRegistered logs a node (re-)registering over a connection.
func (l *Logger) NodeRegistered(name, host, connID string) {
	l.Info("node_registered", map[string]interface{}{
		"name": name,
		"host": host,
		"conn": connID,
	})
}

// NodeOffline logs a node transitioning to offline.
func (l *Logger) NodeOffline(host, reason string) {
	l.Info("node_offline", map[string]interface{}{
		"host":   host,
		"reason": reason,
	})
}

// ConnectionDropped logs a non-final connection of a host closing.
func (l *Logger) ConnectionDropped(host, connID string, remaining int) {
	l.Debug("connection_dropped", map[string]interface{}{
		"host":      host,
		"conn":      connID,
		"remaining": remaining,
	})
}

// PingSent logs an alive check sent to a stale node.
func (l *Logger) PingSent(host string, connections int, stale time.Duration) {
	l.Debug("ping_sent", map[string]interface{}{
		"host":        host,
		"connections": connections,
		"stale":       stale.Round(time.Second).String(),
	})
}

// SweepComplete logs the outcome of one liveness sweep.
func (l *Logger) SweepComplete(duration time.Duration, purged, pinged, demoted, failed int) {
	fields := map[string]interface{}{
		"duration": duration.String(),
		"purged":   purged,
		"pinged":   pinged,
		"demoted":  demoted,
	}
	if failed > 0 {
		fields["failed"] = failed
		l.Warn("sweep_complete", fields)
		return
	}
	l.Debug("sweep_complete", fields)
}

// OperationFailed logs a failed store or transport operation.
func (l *Logger) OperationFailed(op string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["op"] = op
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("operation_failed", fields)
}
