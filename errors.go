// Package vdev implements the core of an object-store leaf device adapter:
// the framed request/response multiplexer between a host storage manager's
// leaf-device operations and a local agent process that owns the actual
// object-store connection.
package vdev

import (
	"errors"
	"fmt"
	"syscall"
)

// Code represents a high-level error category surfaced by this core.
type Code string

const (
	CodeInvalidArgument Code = "invalid argument"
	CodeBadLabel        Code = "bad label"
	CodeOpenFailed      Code = "open failed"
	CodeNotSupported    Code = "not supported"
	CodeIOError         Code = "I/O error"
	CodeProtocolFault   Code = "protocol fault"
	CodeTimeout         Code = "timeout"
	CodeDeviceOffline   Code = "device offline"
	CodeNotImplemented  Code = "not implemented"
)

// Error represents a structured vdev error with context and errno mapping.
type Error struct {
	Op    string        // operation that failed (e.g. "open", "io_start")
	Code  Code          // high-level error category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("vdev: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("vdev: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for *Error comparison by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a new structured error.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code Code, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// WrapError wraps an existing error with vdev context, mapping syscall
// errnos to a Code where possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ve, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ve.Code, Errno: ve.Errno, Msg: ve.Msg, Inner: ve.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeNotSupported
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.ENXIO:
		return CodeDeviceOffline
	default:
		return CodeIOError
	}
}

// IsCode reports whether err is a *Error with the given Code.
func IsCode(err error, code Code) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
