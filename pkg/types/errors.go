package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification of a Voicewire error.
type ErrorCode string

const (
	// CodeAuth marks token issuance or validation failures. Fatal to the
	// connection attempt that triggered them; never retried internally.
	CodeAuth ErrorCode = "auth"

	// CodeConnection marks transport handshake or runtime failures. Retried
	// automatically up to the configured attempt limit, then terminal.
	CodeConnection ErrorCode = "connection"

	// CodeConnectTimeout marks a connection sequence that exceeded its
	// deadline.
	CodeConnectTimeout ErrorCode = "connect_timeout"

	// CodeCapture marks device acquisition or streaming failures. Surfaced to
	// the caller; does not affect an active transport.
	CodeCapture ErrorCode = "capture"

	// CodePlayback marks decode or output failures for a single segment. The
	// segment is dropped and the scheduler advances; not fatal to the session.
	CodePlayback ErrorCode = "playback"

	// CodeNotConnected marks a send attempted outside the Connected state.
	// The message is dropped, never buffered.
	CodeNotConnected ErrorCode = "not_connected"
)

// Error is the value-typed error used across the engine: a human-readable
// message, a machine-readable code, and the time it was raised. Use
// [errors.As] to recover the code from a wrapped chain, or the IsCode helper.
type Error struct {
	Code      ErrorCode
	Message   string
	Timestamp Timestamp

	// Cause is the underlying error, if any.
	Cause error
}

// NewError creates an [*Error] with the current timestamp.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: NowMillis()}
}

// Errorf creates an [*Error] with a formatted message. If the last argument
// is an error it is retained as the cause, matching fmt.Errorf %w semantics.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{
		Code:      code,
		Message:   err.Error(),
		Timestamp: NowMillis(),
		Cause:     errors.Unwrap(err),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode reports whether err (or anything it wraps) is an [*Error] carrying
// the given code.
func IsCode(err error, code ErrorCode) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Code == code
}
