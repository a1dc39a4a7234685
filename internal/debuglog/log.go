package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disables all logging
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
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

var (
	mu           sync.RWMutex
	currentLevel = LevelOff
	logger       = newDiscardLogger()
	logFile      *os.File
)

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Setup configures the logging system with the specified level and optional file path.
// If filePath is empty, defaults to ~/.quill/quill.log.
func Setup(level LogLevel, filePath ...string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	currentLevel = level

	if level == LevelOff {
		logger = newDiscardLogger()
		return nil
	}

	var logPath string
	if len(filePath) > 0 && filePath[0] != "" {
		logPath = filePath[0]
	} else {
		home, _ := os.UserHomeDir()
		logPath = filepath.Join(home, ".quill", "quill.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l := logrus.New()
	l.SetOutput(f)
	l.SetLevel(level.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})

	logFile = f
	logger = l
	return nil
}

// SetOutput routes log output to w at the given level. Used by the CLI's
// --verbose flag and by tests.
func SetOutput(w io.Writer, level LogLevel) {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	currentLevel = level
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level.logrusLevel())
	if level == LevelOff {
		l.SetOutput(io.Discard)
	}
	logger = l
}

// SetLevel changes the current logging level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	logger.SetLevel(level.logrusLevel())
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// Close closes the log file if open
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeLocked()
}

func closeLocked() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	logger = newDiscardLogger()
	return err
}

func entry(fields logrus.Fields, level LogLevel) (*logrus.Entry, bool) {
	mu.RLock()
	defer mu.RUnlock()
	if currentLevel == LevelOff || level < currentLevel {
		return nil, false
	}
	return logger.WithFields(fields), true
}

func logf(fields logrus.Fields, level LogLevel, format string, args ...any) {
	e, ok := entry(fields, level)
	if !ok {
		return
	}
	switch level {
	case LevelDebug:
		e.Debugf(format, args...)
	case LevelInfo:
		e.Infof(format, args...)
	case LevelWarn:
		e.Warnf(format, args...)
	case LevelError:
		e.Errorf(format, args...)
	}
}

func Debugf(format string, args ...any) { logf(nil, LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(nil, LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(nil, LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(nil, LevelError, format, args...) }

// FieldLogger carries structured fields into every message it writes.
type FieldLogger struct {
	fields logrus.Fields
}

// WithFields returns a new logger with the specified fields
func WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{fields: logrus.Fields(fields)}
}

// For returns a logger tagged with component=name.
func For(component string) *FieldLogger {
	return WithFields(map[string]interface{}{"component": component})
}

// With returns a copy of fl with one more field.
func (fl *FieldLogger) With(key string, value interface{}) *FieldLogger {
	fields := make(logrus.Fields, len(fl.fields)+1)
	for k, v := range fl.fields {
		fields[k] = v
	}
	fields[key] = value
	return &FieldLogger{fields: fields}
}

// WithError attaches err under the "error" field.
func (fl *FieldLogger) WithError(err error) *FieldLogger {
	return fl.With(logrus.ErrorKey, err)
}

func (fl *FieldLogger) Debugf(format string, args ...any) {
	logf(fl.fields, LevelDebug, format, args...)
}

func (fl *FieldLogger) Infof(format string, args ...any) {
	logf(fl.fields, LevelInfo, format, args...)
}

func (fl *FieldLogger) Warnf(format string, args ...any) {
	logf(fl.fields, LevelWarn, format, args...)
}

func (fl *FieldLogger) Errorf(format string, args ...any) {
	logf(fl.fields, LevelError, format, args...)
}
