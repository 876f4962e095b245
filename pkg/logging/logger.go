// Package logging provides the leveled logger shared by the farm daemons.
//
// Log lines go to stdout and, when attached, to the subject's shared log
// file in the repository (Coordinator_Log_<host>.txt, slaveLog_<name>.txt)
// so the UI can mirror them. Messages at WARN and above can additionally be
// persisted to the subject's warnings document via a hook.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is a log severity. The numeric values double as the warning
// severities stored in the warnings documents (0-3).
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

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
		return "UNKNOWN"
	}
}

// WarnSink receives WARN/ERROR messages for persistence (the warnings doc).
type WarnSink func(text string, severity int)

// Logger writes leveled, component-tagged log lines.
type Logger struct {
	mu         sync.Mutex
	level      Level
	jsonFormat bool
	output     io.Writer
	component  string
	logFile    *os.File
	warnSink   WarnSink
}

// New creates a logger writing to stdout only.
func New(component string, level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		output:     os.Stdout,
		component:  component,
	}
}

// NewFileLogger creates a logger that also appends to the given shared log
// file, creating parent directories as needed.
func NewFileLogger(component, path string, level Level, jsonFormat bool) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		output:     io.MultiWriter(logFile, os.Stdout),
		component:  component,
		logFile:    logFile,
	}, nil
}

// SetWarnSink attaches the warnings-document hook.
func (l *Logger) SetWarnSink(sink WarnSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnSink = sink
}

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	message := fmt.Sprintf(format, args...)

	if l.jsonFormat {
		data, err := json.Marshal(entry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Component: l.component,
			Message:   message,
		})
		if err != nil {
			log.Printf("failed to marshal log entry: %v", err)
			return
		}
		fmt.Fprintln(l.output, string(data))
	} else {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		fmt.Fprintf(l.output, "[%s] %s %s: %s\n", timestamp, level.String(), l.component, message)
	}

	if level >= WARN && l.warnSink != nil {
		l.warnSink(message, int(level))
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(WARN, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(ERROR, format, args...) }
