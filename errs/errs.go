// Package errs provides structured error types and helpers for pocketsession.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a session error category.
type Code string

const (
	// CodeConnection indicates a handshake or transport failure.
	CodeConnection Code = "connection"
	// CodeAuth indicates an authentication failure for a connection attempt.
	CodeAuth Code = "auth"
	// CodeTimeout indicates a correlated request expired before a match arrived.
	CodeTimeout Code = "timeout"
	// CodeValidator indicates a validator could not be constructed.
	CodeValidator Code = "validator"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeStreamExhausted indicates a subscription stream ended.
	CodeStreamExhausted Code = "stream_exhausted"
	// CodeSessionClosed indicates an operation was attempted after shutdown.
	CodeSessionClosed Code = "session_closed"
	// CodeVenue indicates a venue-side failure reported over the wire.
	CodeVenue Code = "venue_error"
)

// E captures structured error information produced across the session stack.
type E struct {
	Scope    string
	Code     Code
	Message  string
	RawFrame string
	Attempts int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:    strings.TrimSpace(scope),
		Code:     code,
		Message:  "",
		RawFrame: "",
		Attempts: 0,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRawFrame captures the raw inbound frame associated with the failure.
func WithRawFrame(frame string) Option {
	return func(e *E) {
		e.RawFrame = frame
	}
}

// WithAttempts records how many attempts were consumed before giving up.
func WithAttempts(n int) Option {
	return func(e *E) {
		if n > 0 {
			e.Attempts = n
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Attempts > 0 {
		parts = append(parts, "attempts="+strconv.Itoa(e.Attempts))
	}
	if e.RawFrame != "" {
		parts = append(parts, "raw_frame="+strconv.Quote(e.RawFrame))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the session error code from err, or an empty code when err
// does not carry an envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsTimeout reports whether err represents an expired correlated request.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsClosed reports whether err represents an operation on a closed session.
func IsClosed(err error) bool { return CodeOf(err) == CodeSessionClosed }

// IsConnection reports whether err represents a transport-level failure.
func IsConnection(err error) bool { return CodeOf(err) == CodeConnection }

// Closed returns a standardized closed-session error for the given scope.
func Closed(scope string) *E {
	return New(scope, CodeSessionClosed, WithMessage("session closed"))
}
