// Package logging provides structured logging for FieldSync.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging on top of logrus.
type Logger struct {
	base     *logrus.Logger
	minLevel LogLevel
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.Mutex
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(toLogrus(minLevel))
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	return &Logger{base: base, minLevel: minLevel}
}

// Init initializes the global logger. Later calls are ignored.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, minLevel)
		mu.Unlock()
	})
}

// FileWriter returns a size-rotated log file writer.
func FileWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(os.Stdout, LevelInfo)
	}
	return global
}

// ParseLevel converts a config string into a LogLevel, defaulting to INFO.
func ParseLevel(raw string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	return l.base.IsLevelEnabled(toLogrus(level))
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	entry := logrus.NewEntry(l.base)
	if len(context) > 0 {
		entry = entry.WithField("context", context)
	}
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	entry.Log(toLogrus(level), message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error message tagged with an application error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	merged := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["error_code"] = code
	l.log(LevelError, message, err, merged)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
