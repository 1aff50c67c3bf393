// Package errs defines the error taxonomy shared by the signing core.
// Every fallible operation returns one of four kinds so the caller can map
// failures to a transport status without inspecting free-form text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the API boundary.
type Kind int

const (
	// KindValidation covers malformed, expired or mismatched SADs and
	// requests. The client's fault.
	KindValidation Kind = iota
	// KindResource covers exhausted pools, disabled credentials and spent
	// session quotas.
	KindResource
	// KindExternal covers CA or signing-backend failures. Never retried on
	// the signing path since a retry could double-sign.
	KindExternal
	// KindInvariant covers state machine violations. Always fatal to the
	// request and never exposed verbatim to the client.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindExternal:
		return "external"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Machine-readable codes carried alongside the kind.
const (
	CodeKeyPoolExhausted   = "key_pool_exhausted"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeCredentialDisabled = "credential_disabled"
	CodeNotFound           = "not_found"
	CodeSADExpired         = "sad_expired"
	CodeSADNotYetValid     = "sad_not_yet_valid"
	CodeBadSignature       = "bad_signature"
	CodeBadAudience        = "bad_audience"
	CodeBadIssuer          = "bad_issuer"
	CodeHashMismatch       = "hash_mismatch"
	CodeBadRequest         = "bad_request"
	CodeCAUnavailable      = "ca_unavailable"
	CodeBackendUnavailable = "backend_unavailable"
	CodeStateViolation     = "state_violation"
)

// Error is the typed error used across component boundaries.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error. wrapped may be nil.
func E(kind Kind, code, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: wrapped}
}

func Validation(code, msg string, wrapped error) *Error {
	return E(KindValidation, code, msg, wrapped)
}

func Resource(code, msg string, wrapped error) *Error {
	return E(KindResource, code, msg, wrapped)
}

func External(code, msg string, wrapped error) *Error {
	return E(KindExternal, code, msg, wrapped)
}

func Invariant(code, msg string, wrapped error) *Error {
	return E(KindInvariant, code, msg, wrapped)
}

// KindOf returns the kind of err, or KindInvariant for untyped errors:
// anything that escaped classification is a bug.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvariant
}

// CodeOf returns the machine-readable code of err, or empty for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
