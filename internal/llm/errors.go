package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrorKind classifies inference failures. Callers branch on the kind, not
// the message.
type ErrorKind string

const (
	ErrConnect ErrorKind = "connect"
	ErrHTTP    ErrorKind = "http"
	ErrTimeout ErrorKind = "timeout"
	ErrParse   ErrorKind = "parse"
)

// Error is a classified inference failure.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status for ErrHTTP, zero otherwise
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the kind of an inference error, or empty for nil and
// foreign errors.
func Classify(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// wrapTransportError classifies a transport-level failure as timeout or
// connect.
func wrapTransportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrConnect, Err: err}
}

// readLimited reads at most n bytes and returns them as a string.
func readLimited(r io.Reader, n int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, n))
	return string(data)
}
