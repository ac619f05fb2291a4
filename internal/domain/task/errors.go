package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	ErrKindUpload         ErrorKind = "upload"
	ErrKindSubmission     ErrorKind = "submission"
	ErrKindTransient      ErrorKind = "polling_transient"
	ErrKindConnectionLost ErrorKind = "connection_lost"
	ErrKindRemoteFailure  ErrorKind = "remote_failure"
	ErrKindTimeout        ErrorKind = "polling_timeout"
	ErrKindUnreachable    ErrorKind = "unreachable_result"
	ErrKindCancelled      ErrorKind = "cancelled"
	ErrKindInternal       ErrorKind = "internal"
)

const (
	defaultRemoteFailure   = "Production failed."
	defaultSubmissionError = "API failed to return a valid Task ID"
)

// Error is a task-level failure. Only ErrKindTransient is recoverable
// without user action; every other kind ends the task.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind that carries no message, so
// the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUpload         = &Error{Kind: ErrKindUpload}
	ErrSubmission     = &Error{Kind: ErrKindSubmission}
	ErrTransient      = &Error{Kind: ErrKindTransient}
	ErrConnectionLost = &Error{Kind: ErrKindConnectionLost}
	ErrRemoteFailure  = &Error{Kind: ErrKindRemoteFailure}
	ErrTimeout        = &Error{Kind: ErrKindTimeout}
	ErrUnreachable    = &Error{Kind: ErrKindUnreachable}
	ErrCancelled      = &Error{Kind: ErrKindCancelled}
)

// UploadError wraps a failed asset upload.
func UploadError(err error) error {
	return &Error{Kind: ErrKindUpload, Msg: "upload failed", Err: err}
}

// SubmissionError reports a create-job call that returned no usable job id.
func SubmissionError(msg string) error {
	if msg == "" {
		msg = defaultSubmissionError
	}
	return &Error{Kind: ErrKindSubmission, Msg: msg}
}

// SubmissionTransportError wraps a create-job call that failed in transit.
func SubmissionTransportError(err error) error {
	return &Error{Kind: ErrKindSubmission, Msg: "submission failed", Err: err}
}

// TransientError wraps one failed poll request.
func TransientError(err error) error {
	return &Error{Kind: ErrKindTransient, Msg: "poll request failed", Err: err}
}

// ConnectionLostError is raised after n consecutive transient poll failures.
func ConnectionLostError(n int, last error) error {
	return &Error{Kind: ErrKindConnectionLost, Msg: fmt.Sprintf("connection lost after %d consecutive poll failures", n), Err: last}
}

// RemoteFailure carries the service's own rejection text.
func RemoteFailure(msg string) error {
	if msg == "" {
		msg = defaultRemoteFailure
	}
	return &Error{Kind: ErrKindRemoteFailure, Msg: msg}
}

// TimeoutError reports that polling exceeded its ceiling.
func TimeoutError(after time.Duration) error {
	return &Error{Kind: ErrKindTimeout, Msg: fmt.Sprintf("generation timed out after %s without a final status", after)}
}

// UnreachableError reports a claimed result that could not be retrieved.
func UnreachableError(ref string, err error) error {
	return &Error{Kind: ErrKindUnreachable, Msg: fmt.Sprintf("service reported success but the result is not reachable (%s)", ref), Err: err}
}

// CancelledError reports that the task's run was cancelled.
func CancelledError() error {
	return &Error{Kind: ErrKindCancelled, Msg: "task cancelled"}
}

// KindOf returns the ErrorKind of err, or ErrKindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindInternal
}
