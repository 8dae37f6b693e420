package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/telebroad/ftpweb/filesystem"
	"github.com/telebroad/ftpweb/remote"
	"github.com/telebroad/ftpweb/session"
	"github.com/telebroad/ftpweb/tools"
)

// Kind classifies every failure leaving the proxy
type Kind string

const (
	KindInvalidRequest        Kind = "InvalidRequest"
	KindSessionNotFound       Kind = "SessionNotFound"
	KindConnectError          Kind = "ConnectError"
	KindProtocolError         Kind = "ProtocolError"
	KindProtocolTimeout       Kind = "ProtocolTimeout"
	KindPathTraversalRejected Kind = "PathTraversalRejected"
	KindSessionLimit          Kind = "SessionLimit"
	KindInternalError         Kind = "InternalError"
)

// messages shown to callers
const (
	msgSessionNotFound = "No active connection found"
	msgMissingConnect  = "Host, username, and password are required"
	msgInternal        = "internal error"
)

// Error is the only error type returned by the proxy.
// Message is safe to show to the caller, Err keeps the cause for logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of a proxy error, InternalError for anything else
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindInternalError
}

// classify turns any error met during op into an *Error
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, session.ErrNotFound):
		return newError(KindSessionNotFound, op, msgSessionNotFound, err)
	case errors.Is(err, session.ErrLimit):
		return newError(KindSessionLimit, op, "Too many open connections, try again later", err)
	case errors.Is(err, session.ErrShutdown):
		return newError(KindSessionLimit, op, "Server is shutting down", err)
	case errors.Is(err, remote.ErrUnsupportedProtocol):
		return newError(KindInvalidRequest, op, "Unsupported protocol", err)
	case errors.Is(err, session.ErrConnect):
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(KindConnectError, op, "Connection failed: timed out", err)
		}
		return newError(KindConnectError, op, "Connection failed: "+causeMessage(err), err)
	case errors.Is(err, filesystem.ErrOutsideRoot):
		return newError(KindPathTraversalRejected, op, "Path is outside the allowed directory", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindProtocolTimeout, op, "Remote server did not answer in time", err)
	case errors.Is(err, context.Canceled):
		return newError(KindProtocolError, op, "Request canceled", err)
	case remote.IsConnectionLost(err):
		return newError(KindProtocolError, op, "Connection to the remote server was lost", err)
	}
	return newError(KindProtocolError, op, causeMessage(err), err)
}

// causeMessage returns the error text without the connect prefix, it carries the server reply
func causeMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), session.ErrConnect.Error()+": ")
	return tools.StripNonPrintable(msg)
}

// SessionNotFound is the error returned for an unknown session id
func SessionNotFound(op string) error {
	return newError(KindSessionNotFound, op, msgSessionNotFound, session.ErrNotFound)
}

func internalError(op string, err error) *Error {
	return newError(KindInternalError, op, msgInternal, err)
}
