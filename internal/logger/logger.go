package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents a log level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

// Fields is a map of structured log fields.
type Fields map[string]interface{}

// Logger writes structured log entries in JSON or text format.
type Logger struct {
	level           Level
	format          string // json or text
	output          io.Writer
	componentLevels map[string]Level
	redactPatterns  []*regexp.Regexp
	mu              sync.RWMutex
}

// Entry is a single serialized log record.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	globalLogger *Logger
	loggerMu     sync.RWMutex
)

// New creates a new logger instance.
func New(level Level, format string, output io.Writer) *Logger {
	return &Logger{
		level:           level,
		format:          format,
		output:          output,
		componentLevels: make(map[string]Level),
	}
}

// Init initializes the global logger.
func Init(level Level, format string, output io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = New(level, format, output)
}

// Get returns the global logger.
func Get() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

// SetLevel sets the global log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetComponentLevel sets a per-component log level override.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// SetRedactPatterns compiles field-name patterns whose values are
// redacted before writing.
func (l *Logger) SetRedactPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid redact pattern %s: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactPatterns = compiled
	return nil
}

func (l *Logger) shouldLog(level Level, component string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if componentLevel, ok := l.componentLevels[component]; ok {
		return level >= componentLevel
	}
	return level >= l.level
}

func (l *Logger) redactFields(fields Fields) Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.redactPatterns) == 0 {
		return fields
	}

	out := make(Fields, len(fields))
	for k, v := range fields {
		redact := false
		for _, pattern := range l.redactPatterns {
			if pattern.MatchString(k) {
				redact = true
				break
			}
		}

		if redact {
			if s, ok := v.(string); ok && len(s) > 4 {
				out[k] = "***" + s[len(s)-4:]
			} else {
				out[k] = "***"
			}
		} else {
			out[k] = v
		}
	}
	return out
}

func (l *Logger) log(level Level, component, requestID, message string, fields Fields) {
	if !l.shouldLog(level, component) {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Component: component,
		RequestID: requestID,
		Message:   message,
		Fields:    l.redactFields(fields),
	}

	var output string
	if l.format == "json" {
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
			return
		}
		output = string(data) + "\n"
	} else {
		output = l.formatText(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(output))
}

func (l *Logger) formatText(entry Entry) string {
	parts := []string{entry.Timestamp, entry.Level}

	if entry.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	}
	if entry.RequestID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", entry.RequestID))
	}
	parts = append(parts, entry.Message)

	if len(entry.Fields) > 0 {
		fieldParts := make([]string, 0, len(entry.Fields))
		for k, v := range entry.Fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, strings.Join(fieldParts, " "))
	}

	return strings.Join(parts, " ") + "\n"
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DebugLevel, "", "", message, mergeFields(fields...))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...Fields) {
	l.log(InfoLevel, "", "", message, mergeFields(fields...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WarnLevel, "", "", message, mergeFields(fields...))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ErrorLevel, "", "", message, mergeFields(fields...))
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(message string, fields ...Fields) {
	l.log(FatalLevel, "", "", message, mergeFields(fields...))
	os.Exit(1)
}

// WithComponent creates a logger scoped to a component.
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{logger: l, component: component}
}

// ComponentLogger is a logger scoped to one component.
type ComponentLogger struct {
	logger    *Logger
	component string
}

// Debug logs a debug message for the component.
func (cl *ComponentLogger) Debug(message string, fields ...Fields) {
	cl.logger.log(DebugLevel, cl.component, "", message, mergeFields(fields...))
}

// Info logs an info message for the component.
func (cl *ComponentLogger) Info(message string, fields ...Fields) {
	cl.logger.log(InfoLevel, cl.component, "", message, mergeFields(fields...))
}

// Warn logs a warning message for the component.
func (cl *ComponentLogger) Warn(message string, fields ...Fields) {
	cl.logger.log(WarnLevel, cl.component, "", message, mergeFields(fields...))
}

// Error logs an error message for the component.
func (cl *ComponentLogger) Error(message string, fields ...Fields) {
	cl.logger.log(ErrorLevel, cl.component, "", message, mergeFields(fields...))
}

// Fatal logs a fatal message for the component and exits.
func (cl *ComponentLogger) Fatal(message string, fields ...Fields) {
	cl.logger.log(FatalLevel, cl.component, "", message, mergeFields(fields...))
	os.Exit(1)
}

// WithRequestID creates a logger carrying a request ID.
func (cl *ComponentLogger) WithRequestID(requestID string) *ContextLogger {
	return &ContextLogger{
		logger:    cl.logger,
		component: cl.component,
		requestID: requestID,
	}
}

// ContextLogger is a logger carrying component and request ID.
type ContextLogger struct {
	logger    *Logger
	component string
	requestID string
}

// Debug logs a debug message with request context.
func (ctx *ContextLogger) Debug(message string, fields ...Fields) {
	ctx.logger.log(DebugLevel, ctx.component, ctx.requestID, message, mergeFields(fields...))
}

// Info logs an info message with request context.
func (ctx *ContextLogger) Info(message string, fields ...Fields) {
	ctx.logger.log(InfoLevel, ctx.component, ctx.requestID, message, mergeFields(fields...))
}

// Warn logs a warning message with request context.
func (ctx *ContextLogger) Warn(message string, fields ...Fields) {
	ctx.logger.log(WarnLevel, ctx.component, ctx.requestID, message, mergeFields(fields...))
}

// Error logs an error message with request context.
func (ctx *ContextLogger) Error(message string, fields ...Fields) {
	ctx.logger.log(ErrorLevel, ctx.component, ctx.requestID, message, mergeFields(fields...))
}

func mergeFields(fields ...Fields) Fields {
	if len(fields) == 0 {
		return Fields{}
	}
	if len(fields) == 1 {
		return fields[0]
	}

	merged := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}
