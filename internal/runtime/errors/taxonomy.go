package errors

import (
	sterrors "errors"
	"fmt"
)

// DecodeErrorKind classifies why a wire message could not be decoded.
type DecodeErrorKind int

const (
	DecodeTruncated DecodeErrorKind = iota + 1
	DecodeUnknownDiscriminant
	DecodeUnsupportedVersion
	DecodeMalformedPayload
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeTruncated:
		return "truncated"
	case DecodeUnknownDiscriminant:
		return "unknown_discriminant"
	case DecodeUnsupportedVersion:
		return "unsupported_version"
	case DecodeMalformedPayload:
		return "malformed_payload"
	default:
		return "unknown"
	}
}

// DecodeError reports a malformed or unsupported envelope. Decode errors are
// never retried as-is; the dispatcher dead-letters the message.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "chainflow: decode " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches any DecodeError of the same kind, so callers can compare against
// the exported kind sentinels.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}

var (
	ErrDecode              = &DecodeError{}
	ErrTruncated           = &DecodeError{Kind: DecodeTruncated}
	ErrUnknownDiscriminant = &DecodeError{Kind: DecodeUnknownDiscriminant}
	ErrUnsupportedVersion  = &DecodeError{Kind: DecodeUnsupportedVersion}
	ErrMalformedPayload    = &DecodeError{Kind: DecodeMalformedPayload}
)

// NewDecodeError builds a DecodeError with a formatted detail.
func NewDecodeError(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// PublishErrorKind classifies producer-side failures.
type PublishErrorKind int

const (
	// PublishNotConfirmed means the broker did not durably accept the message
	// within the confirm timeout, or negatively confirmed it.
	PublishNotConfirmed PublishErrorKind = iota + 1
)

// PublishError is surfaced to producer callers, who own the retry decision.
type PublishError struct {
	Kind       PublishErrorKind
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	msg := fmt.Sprintf("chainflow: publish to %q not confirmed", e.RoutingKey)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool {
	t, ok := target.(*PublishError)
	if !ok {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}

var ErrNotConfirmed = &PublishError{Kind: PublishNotConfirmed}

// TopologyConflictError is returned when a broker entity already exists with
// parameters that differ from the declared ones. It is fatal at startup.
type TopologyConflictError struct {
	Entity string
	Name   string
	Err    error
}

func (e *TopologyConflictError) Error() string {
	msg := fmt.Sprintf("chainflow: topology conflict on %s %q", e.Entity, e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TopologyConflictError) Unwrap() error { return e.Err }

// WriteErrorKind separates retryable store failures from permanent ones.
type WriteErrorKind int

const (
	WriteTransient WriteErrorKind = iota + 1
	WriteFatal
)

func (k WriteErrorKind) String() string {
	switch k {
	case WriteTransient:
		return "transient"
	case WriteFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WriteError is returned by write handlers.
type WriteError struct {
	Kind WriteErrorKind
	Err  error
}

func (e *WriteError) Error() string {
	msg := "chainflow: " + e.Kind.String() + " write error"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool {
	t, ok := target.(*WriteError)
	if !ok {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}

var (
	ErrWriteTransient = &WriteError{Kind: WriteTransient}
	ErrWriteFatal     = &WriteError{Kind: WriteFatal}
)

// Transient wraps err as a retryable write error. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Kind: WriteTransient, Err: err}
}

// Fatal wraps err as a non-retryable write error. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Kind: WriteFatal, Err: err}
}

// IsTransient reports whether err carries a transient WriteError.
func IsTransient(err error) bool {
	var we *WriteError
	return sterrors.As(err, &we) && we.Kind == WriteTransient
}

// IsFatal reports whether err carries a fatal WriteError.
func IsFatal(err error) bool {
	var we *WriteError
	return sterrors.As(err, &we) && we.Kind == WriteFatal
}
