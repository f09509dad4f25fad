package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a remote failure.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindServer      Kind = "server"
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network"
	KindNotFound    Kind = "not_found"
	KindMalformed   Kind = "malformed"
)

// Error is a classified remote failure.
type Error struct {
	Kind Kind

	// Code is the HTTP status when the failure came from a response.
	Code int

	// Op names the remote call that failed, e.g. "modify labels".
	Op string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same call may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

// IsRetryable reports whether err is worth retrying. Unclassified errors
// are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Retryable()
	}
	return true
}

// IsAuthError reports whether err (or any error in its chain) is an
// authentication failure.
func IsAuthError(err error) bool {
	return KindOf(err) == KindAuth
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// FromStatus classifies an HTTP status code.
func FromStatus(op string, code int, err error) *Error {
	e := &Error{Op: op, Code: code, Err: err}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		e.Kind = KindAuth
	case code == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case code == http.StatusNotFound, code == http.StatusGone:
		e.Kind = KindNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case code >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindMalformed
	}
	return e
}

// Classify wraps err in an *Error, inferring its kind from the error chain.
// Errors that are already classified are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return &Error{Kind: KindTimeout, Op: op, Err: err}
		}
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return &Error{Kind: KindServer, Op: op, Err: err}
}
