package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewErrorAssignsCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeGeometryOverflow, CategoryConfiguration},
		{ErrCodeMountFailed, CategoryMount},
		{ErrCodeStaleDescriptor, CategoryDescriptor},
		{ErrCodeEngineError, CategoryEngine},
		{ErrCodeQueueFull, CategoryQueue},
		{ErrCodeAlreadyStarted, CategoryState},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "msg")
			if err.Category != tt.want {
				t.Errorf("category = %s, want %s", err.Category, tt.want)
			}
			if err.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeStaleDescriptor, "descriptor predates the current mount")
	if got := err.Error(); got != "STALE_DESCRIPTOR: descriptor predates the current mount" {
		t.Errorf("Error() = %q", got)
	}

	err = err.WithComponent("coordinator")
	if got := err.Error(); got != "[coordinator] STALE_DESCRIPTOR: descriptor predates the current mount" {
		t.Errorf("Error() with component = %q", got)
	}

	err = err.WithOperation("read")
	if got := err.Error(); got != "[coordinator:read] STALE_DESCRIPTOR: descriptor predates the current mount" {
		t.Errorf("Error() with operation = %q", got)
	}
}

func TestBuilders(t *testing.T) {
	cause := stderrors.New("device timeout")
	err := NewError(ErrCodeMountFailed, "mount failed").
		WithComponent("coordinator").
		WithOperation("mount").
		WithInstance(2).
		WithErrno(-10050).
		WithCause(cause).
		WithContext("partition", "1")

	if err.Component != "coordinator" || err.Operation != "mount" || err.Instance != 2 {
		t.Errorf("metadata = %q %q %d", err.Component, err.Operation, err.Instance)
	}
	if err.Errno != -10050 {
		t.Errorf("errno = %d", err.Errno)
	}
	if err.Context["partition"] != "1" {
		t.Errorf("context = %v", err.Context)
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	s := err.String()
	for _, want := range []string{"MOUNT_FAILED", "Errno=-10050", "device timeout"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q missing %q", s, want)
		}
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := NewError(ErrCodeQueueFull, "a")
	b := NewError(ErrCodeQueueFull, "b").WithInstance(1)
	c := NewError(ErrCodeInternalError, "c")

	if !stderrors.Is(a, b) {
		t.Error("errors with the same code do not match")
	}
	if stderrors.Is(a, c) {
		t.Error("errors with different codes match")
	}
}

func TestIsCode(t *testing.T) {
	base := NewError(ErrCodeStaleDescriptor, "stale")
	wrapped := fmt.Errorf("operation failed: %w", base)

	if !IsCode(base, ErrCodeStaleDescriptor) {
		t.Error("IsCode on direct error")
	}
	if !IsCode(wrapped, ErrCodeStaleDescriptor) {
		t.Error("IsCode on wrapped error")
	}
	if IsCode(wrapped, ErrCodeMountFailed) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(nil, ErrCodeStaleDescriptor) {
		t.Error("IsCode matched nil")
	}
	if IsCode(stderrors.New("plain"), ErrCodeStaleDescriptor) {
		t.Error("IsCode matched a plain error")
	}
}
