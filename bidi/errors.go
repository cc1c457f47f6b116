package bidi

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors usable with errors.Is, grounded on the teacher's
// client/errors.go sentinel set (ErrNotConnected, ErrAlreadyConnected, ...).
var (
	ErrNotStarted        = errors.New("bidi: session is not started")
	ErrAlreadyStarted    = errors.New("bidi: session is already started")
	ErrSessionClosed     = errors.New("bidi: session is closed")
	ErrSendContention    = errors.New("bidi: timed out acquiring the send mutex")
	ErrConnectionAborted = errors.New("bidi: connection aborted")
	ErrStartupTimeout    = errors.New("bidi: startup timed out before the remote end became ready")
	ErrIDExhausted       = errors.New("bidi: command id counter exhausted")
)

// baseError is the embeddable core of every taxonomy error, grounded on the
// teacher's client/errors.go ClientError{Message, Code, Cause}.
type baseError struct {
	Message string
	Cause   error
}

func (e *baseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *baseError) Unwrap() error { return e.Cause }

// StartupTimeoutError: the startup-timeout budget elapsed before the
// remote end accepted the WebSocket handshake.
type StartupTimeoutError struct {
	baseError
	URL     string
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("startup timeout after %v dialing %s: %s", e.Timeout, e.URL, e.baseError.Error())
}
func (e *StartupTimeoutError) Unwrap() error { return errors.Join(ErrStartupTimeout, e.baseError.Cause) }

func newStartupTimeoutError(url string, timeout time.Duration, cause error) error {
	return &StartupTimeoutError{baseError: baseError{Message: "startup timeout", Cause: cause}, URL: url, Timeout: timeout}
}

// NotStartedError: Execute was called on a session that has not been
// started.
type NotStartedError struct{ baseError }

func (e *NotStartedError) Error() string      { return "not started: " + e.baseError.Error() }
func (e *NotStartedError) Unwrap() error      { return errors.Join(ErrNotStarted, e.baseError.Cause) }
func newNotStartedError(context string) error { return &NotStartedError{baseError{Message: context}} }

// AlreadyStartedError: Start was called while a socket is already live.
type AlreadyStartedError struct{ baseError }

func (e *AlreadyStartedError) Error() string { return "already started: " + e.baseError.Error() }
func (e *AlreadyStartedError) Unwrap() error {
	return errors.Join(ErrAlreadyStarted, e.baseError.Cause)
}
func newAlreadyStartedError(context string) error {
	return &AlreadyStartedError{baseError{Message: context}}
}

// SendContentionError: the send mutex could not be acquired within the
// configured data-timeout.
type SendContentionError struct {
	baseError
	Timeout time.Duration
}

func (e *SendContentionError) Error() string {
	return fmt.Sprintf("send contention after %v: %s", e.Timeout, e.baseError.Error())
}
func (e *SendContentionError) Unwrap() error {
	return errors.Join(ErrSendContention, e.baseError.Cause)
}
func newSendContentionError(timeout time.Duration) error {
	return &SendContentionError{baseError: baseError{Message: "timed out acquiring send mutex"}, Timeout: timeout}
}

// ConnectionAbortedError: the underlying socket transitioned to Closed or
// Aborted outside of a requested Stop.
type ConnectionAbortedError struct{ baseError }

func (e *ConnectionAbortedError) Error() string { return "connection aborted: " + e.baseError.Error() }
func (e *ConnectionAbortedError) Unwrap() error {
	return errors.Join(ErrConnectionAborted, e.baseError.Cause)
}
func newConnectionAbortedError(cause error) error {
	return &ConnectionAbortedError{baseError{Message: "connection aborted", Cause: cause}}
}

// CommandTimeoutError: a pending command's deadline elapsed with no
// matching response.
type CommandTimeoutError struct {
	baseError
	Method  string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %v", e.Method, e.Timeout)
}

func newCommandTimeoutError(method string, timeout time.Duration) error {
	return &CommandTimeoutError{Method: method, Timeout: timeout}
}

// CommandFailedError: the remote end returned an error response for a
// pending command.
type CommandFailedError struct {
	Method     string
	ErrorCode  string
	Message    string
	Stacktrace string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q failed: %s: %s", e.Method, e.ErrorCode, e.Message)
}

func newCommandFailedError(method, errorCode, message, stacktrace string) error {
	return &CommandFailedError{Method: method, ErrorCode: errorCode, Message: message, Stacktrace: stacktrace}
}

// SessionClosedError: the session reached Stopped while a command was
// pending, or after it reached Stopped.
type SessionClosedError struct{ baseError }

func (e *SessionClosedError) Error() string { return "session closed: " + e.baseError.Error() }
func (e *SessionClosedError) Unwrap() error { return errors.Join(ErrSessionClosed, e.baseError.Cause) }
func newSessionClosedError(context string) error {
	return &SessionClosedError{baseError{Message: context}}
}

// IDExhaustedError: the command id counter would overflow its
// representable range.
type IDExhaustedError struct{ baseError }

func (e *IDExhaustedError) Error() string { return "id counter exhausted: " + e.baseError.Error() }
func (e *IDExhaustedError) Unwrap() error { return errors.Join(ErrIDExhausted, e.baseError.Cause) }
func newIDExhaustedError() error {
	return &IDExhaustedError{baseError{Message: "no ids remain in this session"}}
}

// --- Protocol-level errors: these are logged and dropped, never returned
// to a caller (spec section 7). They still satisfy `error` so the same
// logx.Logger.Error/Warn calls can format them uniformly.

// MalformedMessageError: an inbound frame was not valid JSON.
type MalformedMessageError struct{ baseError }

func (e *MalformedMessageError) Error() string { return "malformed message: " + e.baseError.Error() }
func newMalformedMessageError(cause error) error {
	return &MalformedMessageError{baseError{Message: "malformed message", Cause: cause}}
}

// UnknownMessageTypeError: an inbound envelope's "type" field was missing
// or not one of success/error/event.
type UnknownMessageTypeError struct {
	baseError
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}
func newUnknownMessageTypeError(t string) error {
	return &UnknownMessageTypeError{Type: t}
}

// UnsolicitedResponseError: a success/error response arrived whose id is
// not (or is no longer) in the pending-command table.
type UnsolicitedResponseError struct {
	baseError
	ID uint64
}

func (e *UnsolicitedResponseError) Error() string {
	return fmt.Sprintf("unsolicited response for id %d", e.ID)
}
func newUnsolicitedResponseError(id uint64) error {
	return &UnsolicitedResponseError{ID: id}
}

// protocolErrors implements dispatcher.ProtocolErrorFactory, letting the
// Dispatcher build these structured drop-and-log errors without importing
// bidi. Wired in by Session.Start via dispatcher.SetProtocolErrors.
type protocolErrors struct{}

func (protocolErrors) MalformedMessage(cause error) error { return newMalformedMessageError(cause) }
func (protocolErrors) UnknownMessageType(t string) error   { return newUnknownMessageTypeError(t) }
func (protocolErrors) UnsolicitedResponse(id uint64) error { return newUnsolicitedResponseError(id) }

// IsCommandTimeout reports whether err is (or wraps) a CommandTimeoutError.
func IsCommandTimeout(err error) bool {
	var target *CommandTimeoutError
	return errors.As(err, &target)
}

// IsCommandFailed reports whether err is (or wraps) a CommandFailedError.
func IsCommandFailed(err error) bool {
	var target *CommandFailedError
	return errors.As(err, &target)
}

// IsSessionClosed reports whether err is (or wraps) ErrSessionClosed.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

// IsSendContention reports whether err is (or wraps) a SendContentionError.
func IsSendContention(err error) bool {
	var target *SendContentionError
	return errors.As(err, &target)
}

// IsConnectionAborted reports whether err is (or wraps) a
// ConnectionAbortedError.
func IsConnectionAborted(err error) bool {
	var target *ConnectionAbortedError
	return errors.As(err, &target)
}
