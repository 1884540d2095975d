// Package apperr defines the typed errors surfaced by the matching,
// lifecycle and escalation core. Callers branch on Kind; the HTTP layer maps
// Kind to a status code and the requester sees Reason().
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidTransition: the signal does not apply to the session's current state.
	KindInvalidTransition
	// KindNoCandidatesAvailable: the matcher produced an empty result.
	KindNoCandidatesAvailable
	// KindRuleResolutionFailure: no active rule matches the role/trigger pair.
	KindRuleResolutionFailure
	// KindEscalationExhausted: every attempt and fallback rule was used up.
	KindEscalationExhausted
	// KindDirectoryUnavailable: transient failure reading professionals.
	KindDirectoryUnavailable
	// KindRuleStoreUnavailable: transient failure reading escalation rules.
	KindRuleStoreUnavailable
	// KindCapacityExceeded: the professional is already at max concurrent load.
	KindCapacityExceeded
	KindNotFound
	KindValidation
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindInvalidTransition:     "InvalidTransition",
	KindNoCandidatesAvailable: "NoCandidatesAvailable",
	KindRuleResolutionFailure: "RuleResolutionFailure",
	KindEscalationExhausted:   "EscalationExhausted",
	KindDirectoryUnavailable:  "DirectoryUnavailable",
	KindRuleStoreUnavailable:  "RuleStoreUnavailable",
	KindCapacityExceeded:      "CapacityExceeded",
	KindNotFound:              "NotFound",
	KindValidation:            "Validation",
	KindInternal:              "Internal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a domain error carrying a Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string // operation that failed (optional)
	Err     error  // underlying error (optional)
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Reason returns the human-readable text shown to a requester.
func (e *Error) Reason() string {
	switch e.Kind {
	case KindRuleResolutionFailure:
		return "no support is configured for this kind of request"
	case KindEscalationExhausted:
		return "no professional was able to take the request"
	case KindNoCandidatesAvailable:
		return "no professional is available right now"
	case KindDirectoryUnavailable, KindRuleStoreUnavailable:
		return "the service is temporarily unavailable, please try again"
	default:
		return e.Message
	}
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidTransition, KindCapacityExceeded:
		return http.StatusConflict
	case KindRuleResolutionFailure, KindNoCandidatesAvailable, KindEscalationExhausted:
		return http.StatusUnprocessableEntity
	case KindDirectoryUnavailable, KindRuleStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithOp sets the failing operation and returns the error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Convenience constructors.

func InvalidTransition(format string, args ...any) *Error {
	return Newf(KindInvalidTransition, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}
