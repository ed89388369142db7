package broker

import (
	"errors"
	"fmt"
)

// Kind classifies broker errors so callers can pick a recovery path:
// re-login on auth, back off on ratelimit, surface api, retry transport.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "ratelimit"
	KindAPI       Kind = "api"
	KindTransport Kind = "transport"
)

// Error wraps a broker failure with its kind and originating call.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("broker %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func kindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return kindOf(err) == KindAuth }

// IsRateLimit reports whether err is a broker rate-limit response.
func IsRateLimit(err error) bool { return kindOf(err) == KindRateLimit }

// IsAPI reports whether err is a well-formed broker rejection.
func IsAPI(err error) bool { return kindOf(err) == KindAPI }

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool { return kindOf(err) == KindTransport }
