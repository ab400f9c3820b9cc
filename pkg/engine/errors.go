package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	// KindTransport is a network failure; the request may not have reached
	// the engine.
	KindTransport ErrorKind = "transport"
	// KindPayload is a request that could not be encoded or a response that
	// is not valid UTF-8 JSON.
	KindPayload ErrorKind = "payload"
	// KindRejection is a non-2xx response from the engine.
	KindRejection ErrorKind = "rejection"
)

// Error is returned by every Client method.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindRejection:
		return fmt.Sprintf("engine %s: rejected with status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("engine %s (%s): %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("engine %s (%s)", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is an engine transport failure.
func IsTransport(err error) bool {
	var eerr *Error

	return errors.As(err, &eerr) && eerr.Kind == KindTransport
}
