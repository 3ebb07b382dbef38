// Package apperr classifies failures raised anywhere in the request pipeline
// into a small, closed set of kinds that map onto HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy used at every stage boundary.
type Kind int

const (
	// KindDefect is a configuration or wiring defect. Always 500.
	KindDefect Kind = iota
	// KindInput is a client input error (malformed body, missing parameter).
	KindInput
	// KindDomain is signaled by the query itself through the reserved error band.
	KindDomain
	// KindUpstream is a proxy target failure.
	KindUpstream
	// KindCanceled means the client went away. Nothing is written.
	KindCanceled
	// KindQuery is any other query failure. Its message is never shown unless debugging.
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindDefect:
		return "defect"
	case KindInput:
		return "input"
	case KindDomain:
		return "domain"
	case KindUpstream:
		return "upstream"
	case KindCanceled:
		return "canceled"
	case KindQuery:
		return "query"
	}
	return "unknown"
}

// Stable codes for configuration defects.
const (
	CodeMissingEndpoint   = "SG500-01"
	CodeMissingParameters = "SG500-02"
	CodeNoResponse        = "SG500-03"
	CodeStagePanic        = "SG500-04"
	CodeUnknownConnection = "SG500-05"
	CodeUnknownFileStore  = "SG500-06"
	CodeUnknownProvider   = "SG500-07"
	CodeInvalidUpstream   = "SG500-08"
)

// Error is the typed failure result of a stage.
type Error struct {
	Err     error
	Message string
	Code    string
	Kind    Kind
	Status  int
}

func (e *Error) Error() string {
	var msg string
	if e.Code != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Kind, e.Code, e.Message)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Defect reports a missing or inconsistent piece of configuration or request context.
func Defect(code, message string) *Error {
	return &Error{Kind: KindDefect, Status: http.StatusInternalServerError, Code: code, Message: message}
}

// Internal reports an unexpected failure that is neither the client's nor
// the query's doing, such as a store write error.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindDefect, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// Input reports a client error whose message is safe to return verbatim.
func Input(status int, message string) *Error {
	return &Error{Kind: KindInput, Status: status, Message: message}
}

// Domain reports a query-signaled error with a caller chosen status.
func Domain(status int, message string, err error) *Error {
	return &Error{Kind: KindDomain, Status: status, Message: message, Err: err}
}

// Upstream reports a proxy call that could not be made.
func Upstream(status int, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Status: status, Message: message, Err: err}
}

// Canceled wraps a client disconnect.
func Canceled(err error) *Error {
	return &Error{Kind: KindCanceled, Status: 499, Message: "request canceled", Err: err}
}

// Query wraps an unclassified query failure.
func Query(err error) *Error {
	return &Error{Kind: KindQuery, Status: http.StatusBadRequest, Message: "query failed", Err: err}
}

// DomainCoder is implemented by query-layer errors that carry a numeric code in
// the reserved band, already translated to an HTTP status.
type DomainCoder func(err error) (status int, message string, ok bool)

// Classify turns an arbitrary error returned by the query layer into an *Error.
// An *Error passes through unchanged.
func Classify(err error, domain DomainCoder) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) {
		return Canceled(err)
	}
	if domain != nil {
		if status, msg, ok := domain(err); ok {
			return Domain(status, msg, err)
		}
	}
	return Query(err)
}

// IsCanceled reports whether err is, or wraps, a client cancellation.
func IsCanceled(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindCanceled
	}
	return errors.Is(err, context.Canceled)
}

// PublicMessage returns what a client may see. Unless debug is set, query
// failures and defects hide their cause behind generic.
func (e *Error) PublicMessage(generic string, debug bool) string {
	switch e.Kind {
	case KindInput, KindDomain:
		return e.Message
	}
	if debug {
		return e.Error()
	}
	if e.Kind == KindDefect && e.Code != "" {
		return fmt.Sprintf("%s (%s)", generic, e.Code)
	}
	return generic
}
