package logger

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeAPI      ErrorType = "API_ERROR"
	ErrorTypeStorage  ErrorType = "STORAGE_ERROR"
	ErrorTypeConfig   ErrorType = "CONFIG_ERROR"
	ErrorTypeData     ErrorType = "DATA_ERROR"
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	ErrorTypeInternal ErrorType = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type     ErrorType
	Message  string
	Code     string
	Cause    error
	Metadata map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewAppErrorWithCode creates a new application error with an error code
func NewAppErrorWithCode(errorType ErrorType, message, code string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Code:    code,
		Cause:   cause,
	}
}

// NewAppErrorWithMetadata creates a new application error with metadata
func NewAppErrorWithMetadata(errorType ErrorType, message string, cause error, metadata map[string]interface{}) *AppError {
	return &AppError{
		Type:     errorType,
		Message:  message,
		Cause:    cause,
		Metadata: metadata,
	}
}

// ErrorHandler provides centralized error handling and logging
type ErrorHandler struct {
	logger *Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// Handle logs err and returns it as an *AppError. Untyped errors become INTERNAL_ERROR.
func (eh *ErrorHandler) Handle(err error, context string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		eh.logger.Error(
			fmt.Sprintf("%s: %s", context, appErr.Message),
			err,
			appErr.Metadata,
		)
		return appErr
	}

	eh.logger.Error(fmt.Sprintf("%s: unexpected error", context), err)
	return NewAppError(ErrorTypeInternal, context, err)
}

// Recover converts a recovered panic value into an INTERNAL_ERROR.
// It must be passed the result of recover() from a deferred call.
func (eh *ErrorHandler) Recover(r interface{}, context string) error {
	if r == nil {
		return nil
	}
	err := fmt.Errorf("panic recovered: %v", r)
	eh.logger.Error(fmt.Sprintf("%s: panic occurred", context), err)
	return NewAppError(ErrorTypeInternal, "panic recovered", err)
}

// WrapError wraps an existing error with additional context
func WrapError(err error, errorType ErrorType, message string) error {
	if err == nil {
		return nil
	}
	return NewAppError(errorType, message, err)
}

// IsErrorType reports whether any AppError in err's chain has the given type
func IsErrorType(err error, errorType ErrorType) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errorType {
			return true
		}
		err = appErr.Cause
	}
	return false
}
