// Package errs defines the error kinds surfaced by the service and the
// user-facing messages attached to them.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP layer.
type Kind string

const (
	CredentialInvalid   Kind = "CredentialInvalid"
	TokenExchangeFailed Kind = "TokenExchangeFailed"
	ImapAuthFailed      Kind = "ImapAuthFailed"
	ImapSelectFailed    Kind = "ImapSelectFailed"
	ImapFetchFailed     Kind = "ImapFetchFailed"
	UpstreamHTTPError   Kind = "UpstreamHttpError"
	ParseError          Kind = "ParseError"
	BadRequest          Kind = "BadRequest"
	NotFound            Kind = "NotFound"
	Internal            Kind = "Internal"
)

// Error carries a kind, the operation that failed and a message safe to
// show to callers. Err holds the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. A nil cause is allowed.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the user-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "An error occurred"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
