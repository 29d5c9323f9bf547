package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// LogEntry структура записи лога
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`

	// SIP контекст
	CallID   string `json:"call_id,omitempty"`
	HandleID string `json:"handle_id,omitempty"`
	Method   string `json:"method,omitempty"`
	State    string `json:"state,omitempty"`

	// Произвольные поля
	Fields map[string]interface{} `json:"fields,omitempty"`

	// Ошибка (если есть)
	Error    string `json:"error,omitempty"`
	ErrorCat string `json:"error_category,omitempty"`
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// Логирование ошибок с извлечением SIP контекста из DialogError
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// DefaultLogger реализация StructuredLogger с JSON выводом
type DefaultLogger struct {
	mu        sync.RWMutex
	level     LogLevel
	output    io.Writer
	component string
	fields    map[string]interface{}
}

// NewDefaultLogger создает новый logger с настройками по умолчанию
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		level:  LogLevelInfo,
		output: os.Stdout,
		fields: make(map[string]interface{}),
	}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *DefaultLogger) clone() *DefaultLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &DefaultLogger{
		level:     l.level,
		output:    l.output,
		component: l.component,
		fields:    copyFields(l.fields),
	}
}

// WithComponent создает logger с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	c := l.clone()
	c.component = component
	return c
}

// WithFields создает logger с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	c := l.clone()
	for _, field := range fields {
		c.fields[field.Key] = field.Value
	}
	return c
}

func (l *DefaultLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelTrace, msg, nil, fields...)
}

func (l *DefaultLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelDebug, msg, nil, fields...)
}

func (l *DefaultLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelInfo, msg, nil, fields...)
}

func (l *DefaultLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelWarn, msg, nil, fields...)
}

func (l *DefaultLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelError, msg, nil, fields...)
}

// LogError логирует ошибку, извлекая контекст из DialogError
func (l *DefaultLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.log(LogLevelError, msg, err, fields...)
}

func (l *DefaultLogger) log(level LogLevel, msg string, err error, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	l.mu.RLock()
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		Fields:    copyFields(l.fields),
	}
	output := l.output
	l.mu.RUnlock()

	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	// Извлекаем SIP контекст из известных полей
	if v, ok := entry.Fields["call_id"].(string); ok {
		entry.CallID = v
		delete(entry.Fields, "call_id")
	}
	if v, ok := entry.Fields["handle_id"].(string); ok {
		entry.HandleID = v
		delete(entry.Fields, "handle_id")
	}
	if v, ok := entry.Fields["method"].(string); ok {
		entry.Method = v
		delete(entry.Fields, "method")
	}
	if v, ok := entry.Fields["state"].(string); ok {
		entry.State = v
		delete(entry.Fields, "state")
	}

	if err != nil {
		entry.Error = err.Error()
		var derr *DialogError
		if de, ok := err.(*DialogError); ok {
			derr = de
		}
		if derr != nil {
			entry.ErrorCat = derr.Category.String()
			if entry.CallID == "" {
				entry.CallID = derr.CallID
			}
		}
	}

	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	data, jerr := json.Marshal(entry)
	if jerr != nil {
		fmt.Fprintf(output, `{"level":"ERROR","message":"log marshal failure: %v"}`+"\n", jerr)
		return
	}
	data = append(data, '\n')
	_, _ = output.Write(data)
}

func copyFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Глобальный logger пакета
var (
	defaultLogger   StructuredLogger = NewDefaultLogger()
	defaultLoggerMu sync.RWMutex
)

// SetDefaultLogger устанавливает logger пакета
func SetDefaultLogger(logger StructuredLogger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if logger != nil {
		defaultLogger = logger
	}
}

// GetDefaultLogger возвращает logger пакета
func GetDefaultLogger() StructuredLogger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}
