package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrDiagnosisFailed    = errors.New("diagnosis failed")
	ErrNoFixAvailable     = errors.New("no fix available")
	ErrConflict           = errors.New("verification already in progress")
	ErrProvisioning       = errors.New("shadow provisioning failed")
	ErrRunner             = errors.New("verification runner failed")
	ErrTimeout            = errors.New("verification timed out")
	ErrPrecondition       = errors.New("apply precondition not met")
	ErrApplyFailed        = errors.New("apply failed")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrClusterUnreachable = errors.New("cluster unreachable")
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrIllegalTransition  = errors.New("illegal state transition")
)

// Error carries an error kind together with the operation that raised it and
// a human-readable reason. errors.Is matches both Kind and the wrapped Err.
type Error struct {
	Op     string
	Kind   error
	Reason string
	Err    error
}

// NewError builds an *Error; the reason is formatted from format and args.
func NewError(op string, kind error, err error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// Reason extracts the human-readable part of err for audit records.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Reason == "" {
			if de.Err != nil {
				return de.Kind.Error() + ": " + de.Err.Error()
			}
			return de.Kind.Error()
		}
		if de.Err != nil {
			return de.Reason + ": " + de.Err.Error()
		}
		return de.Reason
	}
	return err.Error()
}
