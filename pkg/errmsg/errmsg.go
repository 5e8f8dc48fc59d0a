// Package errmsg offers a way to attach end-user messages to an error chain.
// The messages are meant to be shown to API consumers, as opposed to the
// wrapped error text, which targets logs and debugging.
package errmsg

import (
	"errors"
	"fmt"
)

type endUserError struct {
	message string
	cause   error
}

// Error implements the error interface by returning the internal error text.
func (e *endUserError) Error() string { return e.cause.Error() }

// Unwrap allows errors.Is and errors.As to traverse the chain.
func (e *endUserError) Unwrap() error { return e.cause }

// AddMessage wraps err with an end-user message. If the chain already carries
// a message, the new one is prepended, keeping the most specific context
// first.
func AddMessage(err error, msg string) error {
	if prev := Message(err); prev != "" {
		msg = fmt.Sprintf("%s %s", msg, prev)
	}
	return &endUserError{message: msg, cause: err}
}

// Message extracts the end-user message from an error chain, returning an
// empty string when none was attached.
func Message(err error) string {
	for err != nil {
		if e, ok := err.(*endUserError); ok {
			return e.message
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// MessageOrErr returns the end-user message, falling back to the error text
// when no message was attached.
func MessageOrErr(err error) string {
	if err == nil {
		return ""
	}
	if msg := Message(err); msg != "" {
		return msg
	}
	return err.Error()
}
