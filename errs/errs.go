// Package errs provides the structured error envelope used across the NDAX client.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category of the streaming client.
type Code string

const (
	// CodeConnectionClosed indicates the socket dropped while a request was pending.
	CodeConnectionClosed Code = "connection_closed"
	// CodeTimeout indicates no correlated reply arrived within the request window.
	CodeTimeout Code = "timeout"
	// CodeAuth indicates the authentication handshake was rejected.
	CodeAuth Code = "auth"
	// CodeProtocol indicates a malformed or unroutable frame.
	CodeProtocol Code = "protocol"
	// CodeExchange indicates a business error reported by the venue.
	CodeExchange Code = "exchange_error"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates an unknown symbol, timeframe or account.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the client is closed or not yet connected.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a transport failure outside the websocket (REST).
	CodeNetwork Code = "network"
)

// E captures structured error information produced by the client.
type E struct {
	Venue     string
	Code      Code
	Operation string
	Sequence  int64
	HTTP      int
	RawMsg    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Operation: "",
		Sequence:  -1,
		HTTP:      0,
		RawMsg:    "",
		Message:   "",
		cause:     nil,
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

// WithOperation records the protocol operation name involved in the failure.
func WithOperation(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(e *E) {
		e.Operation = trimmed
	}
}

// WithSequence records the envelope sequence number the failure answers.
func WithSequence(seq int64) Option {
	return func(e *E) {
		e.Sequence = seq
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Operation != "" {
		parts = append(parts, "op="+e.Operation)
	}
	if e.Sequence >= 0 {
		parts = append(parts, "seq="+strconv.FormatInt(e.Sequence, 10))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var target *E
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.cause
	}
	return false
}
