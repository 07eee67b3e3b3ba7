// Package errors provides a structured error system for FlashFS with error
// codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for FlashFS operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeGeometryOverflow ErrorCode = "GEOMETRY_OVERFLOW"

	// Mount errors
	ErrCodeMountFailed ErrorCode = "MOUNT_FAILED"
	ErrCodeNotReady    ErrorCode = "NOT_READY"

	// Descriptor errors
	ErrCodeStaleDescriptor   ErrorCode = "STALE_DESCRIPTOR"
	ErrCodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"

	// Engine errors
	ErrCodeEngineError ErrorCode = "ENGINE_ERROR"

	// Async record path errors
	ErrCodeQueueFull        ErrorCode = "QUEUE_FULL"
	ErrCodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// State management errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdown       ErrorCode = "SHUTDOWN"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryMount         ErrorCategory = "mount"
	CategoryDescriptor    ErrorCategory = "descriptor"
	CategoryEngine        ErrorCategory = "engine"
	CategoryQueue         ErrorCategory = "queue"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// FlashFSError represents a structured error with context and metadata.
type FlashFSError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Instance  int    `json:"instance,omitempty"`

	// Engine passthrough: the engine's raw signed code, when the error
	// originated below the coordinator.
	Errno int32 `json:"errno,omitempty"`
}

// Error implements the error interface.
func (e *FlashFSError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *FlashFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *FlashFSError) Is(target error) bool {
	if ferr, ok := target.(*FlashFSError); ok {
		return e.Code == ferr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *FlashFSError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("Errno=%d", e.Errno))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("FlashFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new FlashFS error with default values.
func NewError(code ErrorCode, message string) *FlashFSError {
	return &FlashFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeMissingConfig, ErrCodeConfigLoad, ErrCodeGeometryOverflow:
		return CategoryConfiguration
	case ErrCodeMountFailed, ErrCodeNotReady:
		return CategoryMount
	case ErrCodeStaleDescriptor, ErrCodeInvalidDescriptor:
		return CategoryDescriptor
	case ErrCodeEngineError:
		return CategoryEngine
	case ErrCodeQueueFull, ErrCodeInvalidParameter:
		return CategoryQueue
	case ErrCodeAlreadyStarted, ErrCodeNotInitialized, ErrCodeShutdown:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// WithContext adds contextual information to an error.
func (e *FlashFSError) WithContext(key, value string) *FlashFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *FlashFSError) WithComponent(component string) *FlashFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *FlashFSError) WithOperation(operation string) *FlashFSError {
	e.Operation = operation
	return e
}

// WithInstance records the filesystem instance the error belongs to.
func (e *FlashFSError) WithInstance(instance int) *FlashFSError {
	e.Instance = instance
	return e
}

// WithCause sets the underlying cause.
func (e *FlashFSError) WithCause(cause error) *FlashFSError {
	e.Cause = cause
	return e
}

// WithErrno records the engine's raw signed result code.
func (e *FlashFSError) WithErrno(errno int32) *FlashFSError {
	e.Errno = errno
	return e
}

// IsCode reports whether err is a FlashFSError carrying the given code,
// unwrapping as needed.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if ferr, ok := err.(*FlashFSError); ok && ferr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
