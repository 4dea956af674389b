package chat

import "errors"

// Kind classifies a turn failure for the transport layer.
type Kind string

// Error kinds.
const (
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindBadRequest     Kind = "bad_request"
	KindStrategyFailed Kind = "strategy_failed"
	KindInternal       Kind = "internal"
)

// Error is a turn failure. Message is safe to show to the caller; Err
// carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Generic per-strategy failure messages. Adapter detail goes to logs
// and the trace, never to the caller.
const (
	msgAutoFailed     = "auto mode failed"
	msgSearchFailed   = "search failed"
	msgGenerateFailed = "failed to generate AI response"
	msgInternal       = "internal server error"
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal for errors that did
// not come from this package.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// asError wraps anything that is not already an *Error as internal.
func asError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return newError(KindInternal, msgInternal, err)
}
