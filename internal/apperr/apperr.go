// Package apperr holds the coded error shared by the domain services.
// Codes take the form "<operation>.<reason>", e.g. "locks.acquire.invalid_section_id".
package apperr

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code   string
	reason string
	err    error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the full "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// Reason returns the trailing reason segment of the code.
func (e *ServiceError) Reason() string {
	return e.reason
}

// New builds a ServiceError for the operation and reason.
func New(operation, reason string, cause error) error {
	return &ServiceError{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		err:    cause,
	}
}

// Reason extracts the reason of a ServiceError anywhere in err's chain.
func Reason(err error) (string, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.reason, true
	}
	return "", false
}

// Log writes a structured error entry with operation and reason fields.
func Log(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
