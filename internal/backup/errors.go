package backup

import (
	"errors"
	"fmt"
)

// Kind classifies backup service failures.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindCaptureFailed       Kind = "capture_failed"
	KindCaptureInProgress   Kind = "capture_in_progress"
	KindReplicationDegraded Kind = "replication_degraded"
	KindVerificationFailed  Kind = "verification_failed"
	KindNoVerifiedBackup    Kind = "no_verified_backup"
	KindRestoreInProgress   Kind = "restore_in_progress"
	KindRestoreFailed       Kind = "restore_failed"
	KindTimeoutExceeded     Kind = "timeout_exceeded"
	KindNotFound            Kind = "not_found"
)

// Error is returned by every service operation that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrCaptureFailed       = &Error{Kind: KindCaptureFailed}
	ErrCaptureInProgress   = &Error{Kind: KindCaptureInProgress}
	ErrReplicationDegraded = &Error{Kind: KindReplicationDegraded}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrNoVerifiedBackup    = &Error{Kind: KindNoVerifiedBackup}
	ErrRestoreInProgress   = &Error{Kind: KindRestoreInProgress}
	ErrRestoreFailed       = &Error{Kind: KindRestoreFailed}
	ErrTimeoutExceeded     = &Error{Kind: KindTimeoutExceeded}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a service error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
