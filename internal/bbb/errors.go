package bbb

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks at call sites (spec.md §4.3's
// raise_on_error, reworked as Go errors instead of an exception).
var (
	ErrNotFound            = errors.New("bbb: meeting or resource not found")
	ErrUpstreamUnavailable = errors.New("bbb: backend host unreachable or transport failure")
	ErrUpstreamError       = errors.New("bbb: backend internal error")
	ErrUpstreamBadResponse = errors.New("bbb: invalid or unparsable response")
	ErrTimeout             = errors.New("bbb: request timed out")
	ErrCircuitOpen         = errors.New("bbb: backend circuit breaker is open")
)

// Error wraps a sentinel with the BBB returncode/messageKey/message triple
// (spec.md §4.3's "<BBBErrorKind>(messageKey) carrying the message"),
// the same way the teacher's internal/openwebif.OWIError carries a
// sentinel plus operation/status/body context.
type Error struct {
	Sentinel   error
	Action     string
	MessageKey string
	Message    string
	Status     int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("bbb: %s: %v", e.Action, e.Sentinel)
	if e.MessageKey != "" {
		msg = fmt.Sprintf("%s (%s: %s)", msg, e.MessageKey, e.Message)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}
