package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/brandon/mailsync/internal/progress"
)

// ErrorKind classifies failures so callers can decide whether to skip an item,
// abort the operation or ask the user.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindCertificate
	KindAuthentication
	KindProtocol
	KindTimeout
	KindIO
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindCertificate:
		return "certificate"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

var (
	// ErrAuthRejected is wrapped when the server refused the credentials even
	// after a fresh password was requested.
	ErrAuthRejected = errors.New("credentials rejected by server")
	// ErrUnknownAccount is returned for account names that are not configured.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrSessionClosed is returned when a session was used after it was closed.
	ErrSessionClosed = errors.New("session closed")
)

// Error is the error type returned by the sync engine.
type Error struct {
	Kind    ErrorKind
	Op      string
	Account string
	Folder  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Account != "" {
		b.WriteString(" ")
		b.WriteString(e.Account)
		if e.Folder != "" {
			b.WriteString("/")
			b.WriteString(e.Folder)
		}
	}
	fmt.Fprintf(&b, ": %s error", e.Kind)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, account string, err error) *Error {
	return &Error{Kind: kind, Op: op, Account: account, Err: err}
}

// inFolder returns err with the folder set when err is an *Error without one.
func inFolder(err error, folder string) error {
	var e *Error
	if errors.As(err, &e) && e.Folder == "" {
		e.Folder = folder
	}
	return err
}

// KindOf returns the kind of the first *Error in err's chain. Bare
// cancellation errors report KindCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isCancellation(err) {
		return KindCancelled
	}
	return KindUnknown
}

// IsConnectionLevel reports whether err invalidates the whole session, as
// opposed to a failure scoped to one folder or message.
func IsConnectionLevel(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindCertificate, KindAuthentication, KindTimeout:
		return true
	}
	return false
}

func isCancellation(err error) bool {
	return errors.Is(err, progress.ErrCancelled) || errors.Is(err, context.Canceled)
}

// cancelled wraps the reason an operation stopped.
func cancelled(op, account string, cause error) *Error {
	if cause == nil {
		cause = progress.ErrCancelled
	}
	return newError(KindCancelled, op, account, cause)
}

// isTransport reports whether err means the socket is gone.
func isTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection closed")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify maps a raw protocol client error to an *Error. Errors that are
// already classified pass through unchanged.
func classify(op, account string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case isCancellation(err):
		return cancelled(op, account, err)
	case isTimeout(err):
		return newError(KindTimeout, op, account, err)
	case isTransport(err):
		return newError(KindConnection, op, account, err)
	}
	return newError(KindProtocol, op, account, err)
}

// SendFailure classifies outgoing submission failures.
type SendFailure int

const (
	// SendTransport failures happened before the server could have accepted
	// the message and are safe to retry.
	SendTransport SendFailure = iota
	// SendAuthorization means the credentials were rejected.
	SendAuthorization
	// SendAmbiguous means the message data was submitted but no final reply
	// arrived; the server may or may not have accepted it.
	SendAmbiguous
	// SendInvalid means the message itself could not be built, e.g. an
	// attachment is missing. Resubmitting it unchanged fails the same way.
	SendInvalid
)

func (f SendFailure) String() string {
	switch f {
	case SendAuthorization:
		return "authorization"
	case SendAmbiguous:
		return "ambiguous"
	case SendInvalid:
		return "invalid"
	}
	return "transport"
}

// Retryable reports whether resubmitting cannot produce a duplicate.
func (f SendFailure) Retryable() bool {
	return f == SendTransport
}

// SendError is returned by the outgoing sender.
type SendError struct {
	Failure SendFailure
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Failure, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
