package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for changelog operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeInvalidDomain   ErrorCode = 1002
	ErrCodePayloadTooLarge ErrorCode = 1003
	ErrCodeKeyOrdering     ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeDiskThrottled     ErrorCode = 2003
	ErrCodeCorruptedData     ErrorCode = 2004
	ErrCodeTruncatedLog      ErrorCode = 2005
	ErrCodeConsistency       ErrorCode = 2006
	ErrCodeQueueFull         ErrorCode = 2007
	ErrCodeLogClosed         ErrorCode = 2008
	ErrCodeResourceExhausted ErrorCode = 2009
)

// ChangelogError is the single error kind surfaced by the changelog
// subsystem. Storage library errors never leave the storage packages
// without being wrapped in one.
type ChangelogError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ChangelogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ChangelogError) Unwrap() error {
	return e.Cause
}

// NewChangelogError creates a new ChangelogError
func NewChangelogError(code ErrorCode, message string, cause error) *ChangelogError {
	return &ChangelogError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ChangelogError) WithDetail(key string, value interface{}) *ChangelogError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(message string) *ChangelogError {
	return NewChangelogError(ErrCodeNotFound, message, nil)
}

func InvalidDomain(domain, reason string) *ChangelogError {
	return NewChangelogError(ErrCodeInvalidDomain, fmt.Sprintf("invalid domain '%s': %s", domain, reason), nil).
		WithDetail("domain", domain).
		WithDetail("reason", reason)
}

func PayloadTooLarge(size, maxSize int) *ChangelogError {
	return NewChangelogError(ErrCodePayloadTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func KeyOrdering(path, newest, key string) *ChangelogError {
	return NewChangelogError(ErrCodeKeyOrdering,
		fmt.Sprintf("key %s is not greater than newest key %s in %s", key, newest, path), nil).
		WithDetail("path", path).
		WithDetail("newest", newest).
		WithDetail("key", key)
}

func InternalError(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *ChangelogError {
	return NewChangelogError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *ChangelogError {
	return NewChangelogError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func CorruptedData(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeCorruptedData, message, cause)
}

func TruncatedLog(path string, offset, dropped int64) *ChangelogError {
	return NewChangelogError(ErrCodeTruncatedLog,
		fmt.Sprintf("log %s truncated at offset %d, %d trailing bytes dropped", path, offset, dropped), nil).
		WithDetail("path", path).
		WithDetail("offset", offset).
		WithDetail("dropped", dropped)
}

func Consistency(message string) *ChangelogError {
	return NewChangelogError(ErrCodeConsistency, message, nil)
}

func QueueFull(message string, cause error) *ChangelogError {
	return NewChangelogError(ErrCodeQueueFull, message, cause)
}

func LogClosed(path string) *ChangelogError {
	return NewChangelogError(ErrCodeLogClosed, fmt.Sprintf("log %s is closed", path), nil).
		WithDetail("path", path)
}

func ResourceExhausted(resource string, current, limit int) *ChangelogError {
	return NewChangelogError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// Wrap wraps any error into a ChangelogError with the given code, leaving
// existing ChangelogErrors untouched.
func Wrap(code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	if IsChangelogError(err) {
		return err
	}
	return NewChangelogError(code, message, err)
}

// IsChangelogError checks if an error is (or wraps) a ChangelogError
func IsChangelogError(err error) bool {
	var ce *ChangelogError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ce *ChangelogError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// HTTPStatus maps the code carried by err to an HTTP status. Errors that
// are not ChangelogErrors map to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch GetCode(err) {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeInvalidDomain:
		return http.StatusBadRequest
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeKeyOrdering:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return http.StatusInsufficientStorage
	case ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable, ErrCodeDiskThrottled, ErrCodeLogClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
