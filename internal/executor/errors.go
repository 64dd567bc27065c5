package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failed marketplace call.
type Kind uint8

const (
	KindTransport Kind = iota + 1
	KindCircuitOpen
	KindUnauthorized
	KindRateLimited
	KindServer
	KindDecoding
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindDecoding:
		return "decoding"
	default:
		return "unknown"
	}
}

// Error is the only error type the executor returns besides context errors.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindRateLimited:
		return true
	case KindServer:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

func Transport(cause error) *Error {
	return &Error{Kind: KindTransport, Cause: cause}
}

func Decoding(cause error) *Error {
	return &Error{Kind: KindDecoding, Cause: cause}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, StatusCode: http.StatusUnauthorized, Message: message}
}

// FromStatus maps a non-2xx HTTP status to an Error.
func FromStatus(code int, message string) *Error {
	switch {
	case code == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, StatusCode: code, Message: message}
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: code, Message: message}
	default:
		return &Error{Kind: KindServer, StatusCode: code, Message: message}
	}
}

// KindOf returns the Kind of err, or 0 if err carries none.
func KindOf(err error) Kind {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind
	}
	return 0
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.StatusCode
	}
	return 0
}

// IsRetryable is the default retry predicate.
func IsRetryable(err error) bool {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func normalize(err error) *Error {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr
	}
	return Transport(err)
}
