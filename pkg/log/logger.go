// Package log provides the leveled structured logger used by the engine.
// The default logger discards everything, which is the right behavior for a
// library; hosts opt in by supplying an output.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	// OFF disables all output.
	OFF
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "OFF"
	}
}

// ParseLevel converts a level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "OFF", "NONE":
		return OFF
	default:
		return INFO
	}
}

// Format defines the output format for logs.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Field represents a structured logging field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// entry is the wire form of one log line.
type entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger provides leveled structured logging with context fields.
type Logger struct {
	mu            sync.Mutex
	level         Level
	output        io.Writer
	format        Format
	contextFields map[string]any
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Output io.Writer
	Format Format
}

// New creates a logger. A nil config logs INFO and above as text to stdout.
func New(config *Config) *Logger {
	if config == nil {
		config = &Config{Level: INFO, Output: os.Stdout, Format: FormatText}
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		level:  config.Level,
		output: out,
		format: config.Format,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{level: OFF, output: io.Discard}
}

// WithFields returns a child logger carrying additional context fields.
func (l *Logger) WithFields(fields ...Field) *Logger {
	merged := make(map[string]any, len(l.contextFields)+len(fields))
	for k, v := range l.contextFields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	return &Logger{
		level:         l.level,
		output:        l.output,
		format:        l.format,
		contextFields: merged,
	}
}

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields ...Field) { l.log(INFO, msg, fields) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, fields ...Field) { l.log(WARN, msg, fields) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level || l.level == OFF {
		return
	}

	e := entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
	}
	if len(l.contextFields) > 0 || len(fields) > 0 {
		e.Fields = make(map[string]any, len(l.contextFields)+len(fields))
		for k, v := range l.contextFields {
			e.Fields[k] = v
		}
		for _, f := range fields {
			e.Fields[f.Key] = f.Value
		}
	}

	switch l.format {
	case FormatJSON:
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
	default:
		var sb strings.Builder
		sb.WriteString(e.Timestamp.Format(time.RFC3339))
		sb.WriteString(" [")
		sb.WriteString(e.Level)
		sb.WriteString("] ")
		sb.WriteString(e.Message)
		for k, v := range e.Fields {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
		fmt.Fprintln(l.output, sb.String())
	}
}
