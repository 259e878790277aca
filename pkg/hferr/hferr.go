// Package hferr defines the engine's internal status taxonomy.
//
// Every exported function in this module returns a Go error; when that error
// originates inside the engine it can be unwrapped to a *Error carrying one
// of the Code values below, so callers can branch on status the way the
// original C engine branched on its thread-local error slot (see spec.md §9,
// "Error slot"). Nothing here formats HTTP responses — that translation is
// the out-of-scope front-end's job (spec.md §6).
package hferr

import (
	"errors"
	"fmt"
)

// Code is one of the engine-internal status values (spec.md §6).
type Code int

const (
	OK Code = iota
	ENOENT
	EEXIST
	EINVAL
	EFAULT
	EAGAIN
	EPERM
	EMSGSIZE
	ENOSPC
	ENOTEMPTY
	EOVERFLOW
	EINTR
	ENOMEM
	FailEInternal
	FailEInit
	FailLocked
	FailETooMany
	FailBadBlockSize
	FailVolumeEExist
	IterNoMore
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case EINVAL:
		return "EINVAL"
	case EFAULT:
		return "EFAULT"
	case EAGAIN:
		return "EAGAIN"
	case EPERM:
		return "EPERM"
	case EMSGSIZE:
		return "EMSGSIZE"
	case ENOSPC:
		return "ENOSPC"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case EOVERFLOW:
		return "EOVERFLOW"
	case EINTR:
		return "EINTR"
	case ENOMEM:
		return "ENOMEM"
	case FailEInternal:
		return "FAIL_EINTERNAL"
	case FailEInit:
		return "FAIL_EINIT"
	case FailLocked:
		return "FAIL_LOCKED"
	case FailETooMany:
		return "FAIL_ETOOMANY"
	case FailBadBlockSize:
		return "FAIL_BADBLOCKSIZE"
	case FailVolumeEExist:
		return "FAIL_VOLUME_EEXIST"
	case IterNoMore:
		return "ITER_NO_MORE"
	default:
		return "UNKNOWN"
	}
}

// Error carries a Code, a human reason, and an optional wrapped cause.
type Error struct {
	Code   Code
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, reason string) error {
	return &Error{Code: code, Reason: reason}
}

// Newf builds an *Error with a formatted reason.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Code to an existing error, preserving it as the cause.
func Wrap(code Code, cause error, reason string) error {
	if cause == nil {
		return New(code, reason)
	}
	return &Error{Code: code, Reason: reason, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to FailEInternal for errors
// that did not originate in this package (an unexpected state, per spec.md
// §7's "Internal" taxonomy entry).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return FailEInternal
}
