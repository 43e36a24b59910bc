// Package errs defines the error taxonomy shared by the embedding providers,
// the vector stores and the engines.
//
// Every failure carries a Kind so callers can branch programmatically:
// configuration problems are fatal, connection problems may be retried by the
// caller, malformed responses mean the remote service answered with data that
// does not have the expected shape. Cache misses and empty retrievals are not
// errors at all.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota
	// Config is a fatal configuration problem: missing credential, unknown
	// provider or model, dimension mismatch.
	Config
	// Connection means a backing service was unreachable or timed out.
	Connection
	// Malformed means a backing service answered with data of the wrong shape.
	Malformed
	// NotFound means the addressed collection does not exist.
	NotFound
	// Invalid is a caller argument outside its domain.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "configuration_error"
	case Connection:
		return "connection_error"
	case Malformed:
		return "malformed_response"
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid_argument"
	default:
		return "error"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "ollama.embed"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error with a formatted message.
func E(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a caller may retry the failed operation.
func Retryable(err error) bool {
	return Is(err, Connection)
}

// Transport classifies an error coming out of a network client. Deadlines,
// dial failures and URL errors become Connection errors; an already
// classified error is returned unchanged.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return err
	}
	if IsTransport(err) {
		return Wrap(Connection, op, err)
	}
	return Wrap(Unknown, op, err)
}

// IsTransport reports whether err looks like a network or timeout failure.
func IsTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
