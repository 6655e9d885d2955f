package umq

import (
	"errors"
	"strconv"
)

// Wire error codes. These travel in fatal-error and exception payloads as a
// leading decimal field.
const (
	CodeRejected           = 1 // peer rejected the connection
	CodeCallbackNotFound   = 2 // callback ID was not found
	CodeProtocolError      = 3 // malformed message
	CodeUnsupportedCommand = 4 // unknown command letter
	CodeUnsupportedVersion = 5 // peer version too old
	CodeNoRPCServer        = 6 // RPC request arrived with nobody serving
	CodeRPCRouteError      = 7 // request could not be routed to a handler
	CodeRPCUnavailable     = 8 // RPC service temporarily unavailable
)

// CodeMessage returns the canonical message text for a wire error code.
func CodeMessage(code int) string {
	switch code {
	case CodeRejected:
		return "Client rejected"
	case CodeCallbackNotFound:
		return "Callback not found"
	case CodeProtocolError:
		return "Protocol format error"
	case CodeUnsupportedCommand:
		return "Unsupported command"
	case CodeUnsupportedVersion:
		return "Unsupported version"
	case CodeNoRPCServer:
		return "No RPC server"
	case CodeRPCRouteError:
		return "RPC route error"
	case CodeRPCUnavailable:
		return "RPC temporarily unavailable"
	default:
		return "Unknown error code"
	}
}

// Sentinel errors reported by the engine.
var (
	// ErrBrokenPromise is observed by a waiter whose promise was dropped
	// without a result.
	ErrBrokenPromise = errors.New("broken promise")

	// ErrDisconnected rejects every pending operation when the connection
	// dies. Callers branch on it to distinguish "peer said error" from
	// "connection went away".
	ErrDisconnected = errors.New("peer disconnected")

	// ErrSubscriptionClosed rejects a subscription listener when the
	// publisher closes the topic or the connection dies.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrInvalidID reports a message ID containing bytes outside 0-9A-Z.
	// On the wire it surfaces as a fatal protocol error.
	ErrInvalidID = errors.New("invalid message ID format")

	// ErrProtocol reports a malformed envelope. Always fatal.
	ErrProtocol = errors.New("protocol format error")
)

// An Error is a wire-level error payload of the form "<code> <message>",
// as carried by fatal-error and rpc-exception envelopes. The code prefix is
// optional; Code reports zero when absent.
type Error struct{ text string }

// NewError constructs an Error with an explicit code and message.
func NewError(code int, message string) *Error {
	return &Error{text: strconv.Itoa(code) + " " + message}
}

// newCodeError constructs an Error carrying the canonical message for code.
func newCodeError(code int) *Error { return NewError(code, CodeMessage(code)) }

// Error returns the raw wire text.
func (e *Error) Error() string { return e.text }

// Code reports the leading decimal code of the payload, or 0 if absent.
func (e *Error) Code() int { c, _ := splitCode(e.text); return c }

// Message reports the payload text following the code prefix, or the whole
// payload when no code prefix is present.
func (e *Error) Message() string { _, m := splitCode(e.text); return m }

// An ExecError is the payload of an rpc-execute-error envelope. It is
// distinct from Error: it reports that routing or dispatch failed, not that
// the application raised an exception.
type ExecError struct{ text string }

// NewExecError constructs an ExecError with an explicit code and message.
func NewExecError(code int, message string) *ExecError {
	return &ExecError{text: strconv.Itoa(code) + " " + message}
}

// Error returns the raw wire text.
func (e *ExecError) Error() string { return e.text }

// Code reports the leading decimal code of the payload, or 0 if absent.
func (e *ExecError) Code() int { c, _ := splitCode(e.text); return c }

// Message reports the payload text following the code prefix.
func (e *ExecError) Message() string { _, m := splitCode(e.text); return m }

// splitCode splits an error payload into its optional leading decimal code
// and the remaining message. A payload without a "<digits> " prefix has code
// zero and is returned whole.
func splitCode(text string) (int, string) {
	digits := 0
	for digits < len(text) && text[digits] >= '0' && text[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits >= len(text) || text[digits] != ' ' {
		return 0, text
	}
	code, err := strconv.Atoi(text[:digits])
	if err != nil {
		return 0, text
	}
	return code, text[digits+1:]
}
