package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/indexhook/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a level name to a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; ok {
		return l
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   LogLevel       `json:"level"`
	Message string         `json:"msg"`
	Service string         `json:"service,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	TaskID  int64          `json:"task_id,omitempty"`
	PID     string         `json:"pid,omitempty"`
	Status  string         `json:"status,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation. Each component
// receives its Logger explicitly; there is no package-level default.
type Logger struct {
	service string
	level   LogLevel

	mu  sync.Mutex
	out io.Writer
}

// New creates a new structured logger for the given service writing to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout, LevelInfo)
}

// NewWithWriter creates a logger writing entries at or above level to w
func NewWithWriter(service string, w io.Writer, level LogLevel) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{service: service, level: ParseLevel(string(level)), out: w}
}

// Discard returns a logger that drops everything; handy in tests
func Discard() *Logger {
	return NewWithWriter("", io.Discard, LevelFatal)
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string { return l.service }

// Enabled reports whether entries at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.Plain()
	return entry.WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

func (l *Logger) write(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}

// Fluent interface methods for LogEntry

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTask sets the task id and pid
func (e *LogEntry) WithTask(id int64, pid string) *LogEntry {
	e.TaskID = id
	e.PID = pid
	return e
}

// WithPID sets the pid for entries that have no task yet
func (e *LogEntry) WithPID(pid string) *LogEntry {
	e.PID = pid
	return e
}

// WithStatus sets the task status
func (e *LogEntry) WithStatus(status string) *LogEntry {
	e.Status = status
	return e
}

// WithDuration records how long op took
func (e *LogEntry) WithDuration(op string, d time.Duration) *LogEntry {
	return e.WithFields(map[string]any{
		"operation":   op,
		"duration_ms": d.Milliseconds(),
	})
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

// Log methods

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	if e.logger != nil && !e.logger.Enabled(level) {
		return
	}
	e.output()
}

// output writes the log entry as one JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		data = []byte(fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339), e.Level, e.Message))
	}

	if e.logger == nil {
		fmt.Println(string(data))
		return
	}
	e.logger.write(data)
}
