// Package logger provides structured logging with file rotation support.
// It uses a simple custom logger implementation to avoid external dependencies.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itenfay/cxdownload/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

const (
	logFilePrefix = "cxdownload"
	backupLayout  = "20060102-150405.000"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	outputs     []io.Writer
	fileWriter  *os.File
	logDir      string
	maxSize     int64 // bytes
	maxBackups  int
	maxAge      int // days
	currentSize int64
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	l := &Logger{
		level:      parseLevel(cfg.Level),
		formatJSON: cfg.Format == "json",
		outputs:    []io.Writer{},
		logDir:     cfg.Directory,
		maxSize:    int64(cfg.MaxSize) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     cfg.MaxAge,
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.openFile(); err != nil {
			return nil, err
		}
	case "both":
		l.outputs = append(l.outputs, os.Stdout)
		if err := l.openFile(); err != nil {
			return nil, err
		}
	default:
		l.outputs = append(l.outputs, os.Stdout)
	}

	return l, nil
}

// NewWriterLogger creates a logger writing to w only
func NewWriterLogger(w io.Writer, level string, formatJSON bool) *Logger {
	return &Logger{
		level:      parseLevel(level),
		formatJSON: formatJSON,
		outputs:    []io.Writer{w},
	}
}

func (l *Logger) logPath() string {
	return filepath.Join(l.logDir, logFilePrefix+".log")
}

func (l *Logger) openFile() error {
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := l.logPath()
	if info, err := os.Stat(logFile); err == nil {
		l.currentSize = info.Size()
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.fileWriter = f
	l.outputs = append(l.outputs, f)
	return nil
}

// rotate moves the current file aside and opens a fresh one; caller holds l.mu
func (l *Logger) rotate() {
	if l.fileWriter == nil {
		return
	}

	old := l.fileWriter
	old.Close()

	backup := filepath.Join(l.logDir,
		fmt.Sprintf("%s-%s.log", logFilePrefix, time.Now().Format(backupLayout)))
	os.Rename(l.logPath(), backup)

	l.cleanOldBackups()

	outputs := make([]io.Writer, 0, len(l.outputs))
	for _, w := range l.outputs {
		if w != io.Writer(old) {
			outputs = append(outputs, w)
		}
	}
	l.outputs = outputs
	l.fileWriter = nil
	l.currentSize = 0

	if err := l.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] log rotation failed: %v\n", err)
	}
}

// cleanOldBackups keeps at most maxBackups files and drops those older than maxAge
func (l *Logger) cleanOldBackups() {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, logFilePrefix+"-") && strings.HasSuffix(name, ".log") {
			backups = append(backups, name)
		}
	}
	// Timestamp layout sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	cutoff := time.Now().AddDate(0, 0, -l.maxAge)
	for i, name := range backups {
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix+"-"), ".log")
		created, err := time.ParseInLocation(backupLayout, stamp, time.Local)
		expired := l.maxAge > 0 && err == nil && created.Before(cutoff)
		if (l.maxBackups > 0 && i >= l.maxBackups) || expired {
			os.Remove(filepath.Join(l.logDir, name))
		}
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewWriterLogger(os.Stdout, "info", false)
	}
	return defaultLogger
}

// SetLevel changes the minimum level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	l.level = parseLevel(level)
	l.mu.Unlock()
}

func (l *Logger) format(level LogLevel, msg string, fields []Field) []byte {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	if l.formatJSON {
		obj := make(map[string]interface{}, len(fields)+3)
		for _, f := range fields {
			obj[f.Key] = f.Value
		}
		obj["time"] = timestamp
		obj["level"] = level.String()
		obj["msg"] = msg
		data, err := json.Marshal(obj)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"time": timestamp, "level": level.String(), "msg": msg})
		}
		return append(data, '\n')
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", timestamp, level, msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	line := l.format(level, msg, fields)

	for _, w := range l.outputs {
		n, err := w.Write(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v\n", err)
			continue
		}
		if w == io.Writer(l.fileWriter) {
			l.currentSize += int64(n)
		}
	}

	if l.fileWriter != nil && l.maxSize > 0 && l.currentSize >= l.maxSize {
		l.rotate()
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{
		logger: l,
		fields: []Field{{Key: key, Value: value}},
	}
}

// WithFields creates a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return (&LogEntry{logger: l}).WithFields(fields)
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return (&LogEntry{logger: l}).WithError(err)
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry in key order
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.fields = append(e.fields, Field{Key: k, Value: fields[k]})
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	e.fields = append(e.fields, Field{Key: "error", Value: err.Error()})
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprint(args...), e.fields)
}

// Debugf logs a formatted message at debug level
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

// Info logs at info level
func (e *LogEntry) Info(args ...interface{}) {
	e.logger.log(INFO, fmt.Sprint(args...), e.fields)
}

// Infof logs a formatted message at info level
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warn logs at warning level
func (e *LogEntry) Warn(args ...interface{}) {
	e.logger.log(WARN, fmt.Sprint(args...), e.fields)
}

// Warnf logs a formatted message at warning level
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Error logs at error level
func (e *LogEntry) Error(args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprint(args...), e.fields)
}

// Errorf logs a formatted message at error level
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatalf logs a formatted message at fatal level and exits
func (e *LogEntry) Fatalf(format string, args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprintf(format, args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at warning level
func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func Error(args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close closes the logger and releases resources
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter == nil {
		return nil
	}

	outputs := make([]io.Writer, 0, len(l.outputs))
	for _, w := range l.outputs {
		if w != io.Writer(l.fileWriter) {
			outputs = append(outputs, w)
		}
	}
	l.outputs = outputs

	err := l.fileWriter.Close()
	l.fileWriter = nil
	return err
}

// Info logs a message at info level
func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Debugf logs a formatted message at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
