// jsonlog.go - Structured leveled logging shared by the upload handler,
// the retention sweeper and the process entrypoint.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// Logger provides structured logging in JSON or key=value text form.
// It is safe for concurrent use.
type Logger struct {
	mu         *sync.Mutex // shared by loggers derived with With
	output     io.Writer
	minLevel   LogLevel
	enableJSON bool
	service    string
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Level     LogLevel       `json:"level"`
	Time      string         `json:"time"`
	Service   string         `json:"service,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
	Error     string         `json:"error,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// NewLogger creates a logger writing to out.
func NewLogger(out io.Writer, minLevel LogLevel, enableJSON bool) *Logger {
	if out == nil {
		out = os.Stdout
	}
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LogLevelInfo
	}
	return &Logger{
		mu:         &sync.Mutex{},
		output:     out,
		minLevel:   minLevel,
		enableJSON: enableJSON,
	}
}

// NewLoggerFromEnv builds a stdout logger from FTU_LOG_FORMAT, FTU_LOG_LEVEL
// and FTU_ENV.
func NewLoggerFromEnv() *Logger {
	enableJSON := os.Getenv("FTU_LOG_FORMAT") == "json" || os.Getenv("FTU_ENV") == "production"
	return NewLogger(os.Stdout, ParseLogLevel(os.Getenv("FTU_LOG_LEVEL")), enableJSON)
}

// ParseLogLevel maps a level name to a LogLevel, defaulting to info.
func ParseLogLevel(level string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(level))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn:
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// With returns a copy of the logger tagged with a service name.
func (l *Logger) With(service string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		mu:         l.mu,
		output:     l.output,
		minLevel:   l.minLevel,
		enableJSON: l.enableJSON,
		service:    service,
	}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// getCaller returns the file and line number of the caller
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}

	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}

	return fmt.Sprintf("%s:%d", file, line)
}

func (l *Logger) log(level LogLevel, msg string, fields map[string]any, err error) {
	if l == nil || !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Level:   level,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Service: l.service,
		Message: msg,
		Fields:  fields,
		Caller:  getCaller(3),
	}
	if rid, ok := fields["rid"].(string); ok && rid != "" {
		entry.RequestID = rid
	}
	if err != nil {
		entry.Error = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enableJSON {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.output, string(data))
		return
	}

	// Plain text for development; keys sorted so lines are stable.
	fmt.Fprintf(l.output, "[%s] %s", entry.Level, entry.Time)
	if entry.Service != "" {
		fmt.Fprintf(l.output, " service=%s", entry.Service)
	}
	fmt.Fprintf(l.output, " msg=%q", entry.Message)
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(l.output, " %s=%v", k, entry.Fields[k])
	}
	if entry.Error != "" {
		fmt.Fprintf(l.output, " err=%q", entry.Error)
	}
	fmt.Fprintln(l.output)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields map[string]any) {
	l.log(LogLevelDebug, msg, fields, nil)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields map[string]any) {
	l.log(LogLevelInfo, msg, fields, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields map[string]any, err error) {
	l.log(LogLevelWarn, msg, fields, err)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields map[string]any, err error) {
	l.log(LogLevelError, msg, fields, err)
}
