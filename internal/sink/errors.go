package sink

import (
	"errors"
	"fmt"
)

// Kind tells the delivery tracker whether an attempt may succeed later.
type Kind int

const (
	Retryable Kind = iota
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Error is a classified sink failure.
type Error struct {
	Kind Kind
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Sink, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Fatal
}

// Classify returns the kind of a classified error. Unclassified errors,
// network failures and timeouts among them, are retryable.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Retryable
}

// ClassifyStatus maps an HTTP status code returned by a store.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 429, status == 408, status >= 500:
		return Retryable
	case status >= 400:
		return Fatal
	default:
		return Retryable
	}
}
