package collatzgpu

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured engine error with context and errno mapping.
type Error struct {
	Op    string    // Operation that failed (e.g., "device-select", "dispatch")
	Stage string    // Pipeline stage the failure occurred in (empty if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("collatzgpu: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("collatzgpu: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, comparing by error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories, matching the
// platform error taxonomy.
type ErrorCode string

const (
	// ErrCodeNotImplemented marks an unsupported code path.
	ErrCodeNotImplemented ErrorCode = "not implemented"
	// ErrCodeDeviceNotFound covers both "no suitable GPU" and "persisted
	// file missing / bad path" (the no-file case is treated as fresh
	// start, not a hard failure).
	ErrCodeDeviceNotFound ErrorCode = "device not found"
	ErrCodeDeviceBusy     ErrorCode = "device busy"
	// ErrCodeInvalidParameters covers size/alignment/offset misuse.
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeKernelNotSupported ErrorCode = "required GPU feature set unavailable"
	// ErrCodePermissionDenied covers address/access failures.
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeDeviceOffline      ErrorCode = "device offline"
)

// Error constructors

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewStageError creates a new error tagged with the pipeline stage it
// occurred in (device-select, resource-alloc, dispatch, recorder).
func NewStageError(op, stage string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Stage: stage,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with engine context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ue, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Stage: ue.Stage,
			Code:  ue.Code,
			Errno: ue.Errno,
			Msg:   ue.Msg,
			Inner: ue.Inner,
		}
	}

	code := ErrCodeIOError
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to engine error codes.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES, syscall.EFAULT:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}

// IsNoFile reports whether err represents a missing or malformed
// persistence file; the load path treats this
// as a fresh start rather than a failure.
func IsNoFile(err error) bool {
	return IsCode(err, ErrCodeDeviceNotFound) || errors.Is(err, syscall.ENOENT)
}
