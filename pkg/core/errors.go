package core

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorCode is the high-level category of an ifstack error.
type ErrorCode string

const (
	ErrCodeBadArgument       ErrorCode = "bad argument"
	ErrCodeUnitUnavailable   ErrorCode = "unit unavailable"
	ErrCodeAlreadyExists     ErrorCode = "already exists"
	ErrCodeNotPermitted      ErrorCode = "not permitted"
	ErrCodeNotFound          ErrorCode = "not found"
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeDeviceUnusable    ErrorCode = "device unusable"
	ErrCodeInternal          ErrorCode = "internal error"
	ErrCodeTerminated        ErrorCode = "device terminated"
)

// Errno returns the errno reported to the networking stack for the code.
func (c ErrorCode) Errno() unix.Errno {
	switch c {
	case ErrCodeBadArgument:
		return unix.EINVAL
	case ErrCodeUnitUnavailable:
		return unix.EBUSY
	case ErrCodeAlreadyExists:
		return unix.EEXIST
	case ErrCodeNotPermitted:
		return unix.EPERM
	case ErrCodeNotFound:
		return unix.ENOENT
	case ErrCodeResourceExhausted:
		return unix.ENOSPC
	case ErrCodeDeviceUnusable:
		return unix.ENETDOWN
	case ErrCodeTerminated:
		return unix.ENXIO
	default:
		return unix.EIO
	}
}

// Error is a structured error carrying the operation and interface context.
type Error struct {
	Op     string     // Operation that failed (e.g. "register", "ioctl")
	Prefix string     // Interface name prefix ("" if not applicable)
	Unit   int64      // Unit number (-1 if not applicable)
	Code   ErrorCode  // High-level category
	Errno  unix.Errno // Errno reported to the stack
	Msg    string     // Human-readable message
	Inner  error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	name := ""
	if e.Prefix != "" {
		name = e.Prefix
		if e.Unit >= 0 {
			name = fmt.Sprintf("%s%d", e.Prefix, e.Unit)
		}
	}

	switch {
	case e.Op != "" && name != "":
		return fmt.Sprintf("ifstack: %s %s: %s", e.Op, name, msg)
	case e.Op != "":
		return fmt.Sprintf("ifstack: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("ifstack: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports a match when target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te == nil {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Unit:  -1,
		Code:  code,
		Errno: code.Errno(),
		Msg:   msg,
	}
}

// NewInterfaceError creates an error scoped to an interface name.
func NewInterfaceError(op, prefix string, unit int64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Prefix: prefix,
		Unit:   unit,
		Code:   code,
		Errno:  code.Errno(),
		Msg:    msg,
	}
}

// WrapError wraps inner with op context. Structured errors keep their code;
// anything else becomes an internal error.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ie *Error
	if errors.As(inner, &ie) {
		return &Error{
			Op:     op,
			Prefix: ie.Prefix,
			Unit:   ie.Unit,
			Code:   ie.Code,
			Errno:  ie.Errno,
			Msg:    ie.Msg,
			Inner:  inner,
		}
	}

	if errno, ok := inner.(unix.Errno); ok {
		return &Error{
			Op:    op,
			Unit:  -1,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Unit:  -1,
		Code:  code,
		Errno: code.Errno(),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ErrnoOf returns the errno to report for err; 0 for nil.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
