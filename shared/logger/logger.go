package logger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelDebug LogLevel = "DEBUG"
)

// LogEntry is one JSON log line
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Service   string                 `json:"service"`
	TraceID   string                 `json:"trace_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Duration  *int64                 `json:"duration_ms,omitempty"`
	DataCount *int                   `json:"data_count,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ErrorDetails provides structured error information
type ErrorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Logger writes structured JSON log lines. Derived loggers share the writer.
type Logger struct {
	serviceName string
	requestID   string
	traceID     string
	out         io.Writer
	mu          *sync.Mutex
}

// New creates a logger writing to stdout
func New(serviceName string) *Logger {
	return &Logger{
		serviceName: serviceName,
		mu:          &sync.Mutex{},
	}
}

// WithOutput returns a copy of the logger that writes to w
func (l *Logger) WithOutput(w io.Writer) *Logger {
	newLogger := *l
	newLogger.out = w
	newLogger.mu = &sync.Mutex{}
	return &newLogger
}

// WithContext adds the Lambda request ID carried by ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	newLogger := *l
	if requestID := getRequestIDFromContext(ctx); requestID != "" {
		newLogger.requestID = requestID
	}
	return &newLogger
}

// WithTraceID adds a trace ID to the logger
func (l *Logger) WithTraceID(traceID string) *Logger {
	newLogger := *l
	newLogger.traceID = traceID
	return &newLogger
}

// TraceID returns the trace ID attached to the logger
func (l *Logger) TraceID() string {
	return l.traceID
}

// Info logs an informational message
func (l *Logger) Info(message string, metadata ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, nil, nil, metadata...)
}

// InfoWithCount logs an informational message with data count
func (l *Logger) InfoWithCount(message string, count int, metadata ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, &count, nil, metadata...)
}

// InfoWithDuration logs an informational message with duration
func (l *Logger) InfoWithDuration(message string, duration time.Duration, metadata ...map[string]interface{}) {
	durationMs := duration.Milliseconds()
	l.log(LevelInfo, message, &durationMs, nil, nil, metadata...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, metadata ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, nil, nil, metadata...)
}

// Error logs an error message. AppErrors report their ErrorType and code.
func (l *Logger) Error(message string, err error, metadata ...map[string]interface{}) {
	var errorDetails *ErrorDetails
	if err != nil {
		errorDetails = &ErrorDetails{
			Type:    fmt.Sprintf("%T", err),
			Message: err.Error(),
		}
		var appErr *AppError
		if errors.As(err, &appErr) {
			errorDetails.Type = string(appErr.Type)
			errorDetails.Code = appErr.Code
		}
	}
	l.log(LevelError, message, nil, nil, errorDetails, metadata...)
}

// Debug logs a debug message when LOG_LEVEL=DEBUG
func (l *Logger) Debug(message string, metadata ...map[string]interface{}) {
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), string(LevelDebug)) {
		l.log(LevelDebug, message, nil, nil, nil, metadata...)
	}
}

func (l *Logger) log(level LogLevel, message string, duration *int64, dataCount *int, errorDetails *ErrorDetails, metadata ...map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Service:   l.serviceName,
		TraceID:   l.traceID,
		RequestID: l.requestID,
		Duration:  duration,
		DataCount: dataCount,
		Error:     errorDetails,
	}

	if len(metadata) > 0 && metadata[0] != nil {
		entry.Metadata = metadata[0]
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[%s] %s: %s (JSON marshal error: %v)", level, l.serviceName, message, err)
		return
	}

	out := l.out
	if out == nil {
		out = os.Stdout
	}
	if l.mu != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	fmt.Fprintln(out, string(jsonBytes))
}

// getRequestIDFromContext extracts the AWS Lambda request ID from context
func getRequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		return lc.AwsRequestID
	}
	return ""
}
