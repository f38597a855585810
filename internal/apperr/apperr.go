// Package apperr defines the error taxonomy shared by the generation pipeline
// and the video fetcher, and renders terminal failures as human-readable
// messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind string

// Failure kinds.
const (
	KindUnknown             Kind = "unknown"
	KindTransient           Kind = "transient_network"
	KindValidation          Kind = "validation"
	KindBackend             Kind = "backend"
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindPlatformAccess      Kind = "platform_access"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindStorage             Kind = "storage"
	KindDelivery            Kind = "delivery"
)

// label returns the human-facing name of the kind.
func (k Kind) label() string {
	switch k {
	case KindTransient:
		return "network error"
	case KindValidation:
		return "validation error"
	case KindBackend:
		return "backend error"
	case KindUnsupportedPlatform:
		return "unsupported platform"
	case KindPlatformAccess:
		return "platform access error"
	case KindTimeout:
		return "timed out"
	case KindNotFound:
		return "not found"
	case KindStorage:
		return "storage error"
	case KindDelivery:
		return "delivery error"
	default:
		return "unexpected error"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrTransient           = &Error{Kind: KindTransient}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrBackend             = &Error{Kind: KindBackend}
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrPlatformAccess      = &Error{Kind: KindPlatformAccess}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrStorage             = &Error{Kind: KindStorage}
	ErrDelivery            = &Error{Kind: KindDelivery}
)

// Error is a classified failure carrying the context needed to report it.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "backend.Submit".
	Op string
	// JobID is the backend job id, when known.
	JobID string
	// URL is the offending source or artifact URL, when applicable.
	URL string
	// Attempts is how many attempts were spent before giving up.
	Attempts int
	// StatusCode is the HTTP status returned by a remote, if any.
	StatusCode int
	// Message is a short human-readable description.
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// UserMessage renders the error for end users.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString(capitalize(e.Kind.label()))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s", e.JobID)
		if e.Attempts > 0 {
			fmt.Fprintf(&b, ", %d attempts", e.Attempts)
		}
		b.WriteString(")")
	} else if e.Attempts > 0 {
		fmt.Fprintf(&b, " (%d attempts)", e.Attempts)
	}
	if e.URL != "" {
		b.WriteString(" [")
		b.WriteString(e.URL)
		b.WriteString("]")
	}
	return b.String()
}

// Transient builds a TransientNetworkError.
func Transient(op, url string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, URL: url, Message: "request did not complete", Err: err}
}

// Validation builds a ValidationError.
func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

// Backend builds a BackendError with the remote's message.
func Backend(op string, statusCode int, msg string) *Error {
	return &Error{Kind: KindBackend, Op: op, StatusCode: statusCode, Message: msg}
}

// Timeout builds a TimeoutError with partial context.
func Timeout(op, jobID string, attempts int, msg string) *Error {
	return &Error{Kind: KindTimeout, Op: op, JobID: jobID, Attempts: attempts, Message: msg}
}

// NotFound builds a NotFoundError.
func NotFound(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

// Storage builds a StorageError for a job whose artifact could not be kept
// or published.
func Storage(op, jobID, msg string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, JobID: jobID, Message: msg, Err: err}
}

// Delivery builds a DeliveryError for a job whose artifact could not be sent.
func Delivery(op, jobID, msg string, err error) *Error {
	return &Error{Kind: KindDelivery, Op: op, JobID: jobID, Message: msg, Err: err}
}

// UnsupportedPlatform builds an UnsupportedPlatformError for url.
func UnsupportedPlatform(url string) *Error {
	return &Error{
		Kind:    KindUnsupportedPlatform,
		Op:      "fetcher.Fetch",
		URL:     url,
		Message: "no extractor is configured for this site",
	}
}

// userMessager is implemented by errors that know how to present themselves.
type userMessager interface {
	UserMessage() string
}

// kinded is implemented by errors outside this package that map onto a Kind.
type kinded interface {
	Kind() Kind
}

// UserMessage returns a human-readable message for any error. Typed errors
// render their own message; anything else is reported as an unexpected
// error without leaking internals.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var um userMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	if errors.Is(err, context.Canceled) {
		return "Cancelled"
	}
	return "Unexpected error: the request could not be completed"
}

// KindOf reports the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
