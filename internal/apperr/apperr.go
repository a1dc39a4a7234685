// Package apperr defines the typed failure taxonomy shared by the session,
// queue, cache and sync components. Every failure that leaves this module
// resolves to an *Error with a Kind so callers can pick a retry policy or a
// user-facing message without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry-policy selection.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNetwork is transient and retryable with backoff. Timeouts land here.
	KindNetwork
	// KindAuth means the access token was rejected.
	KindAuth
	// KindRefreshInvalid means the refresh token itself was rejected. Terminal.
	KindRefreshInvalid
	// KindValidation means the server rejected the semantic content of a request.
	KindValidation
	// KindStorage means the persistence layer failed. Non-fatal.
	KindStorage
	KindInvalidCredentials
	// KindSessionExpired means no usable session exists.
	KindSessionExpired
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRefreshInvalid:
		return "refresh_invalid"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels below by Kind, so
// errors.Is(err, apperr.ErrNetwork) holds for any network failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrAuth               = &Error{Kind: KindAuth}
	ErrRefreshInvalid     = &Error{Kind: KindRefreshInvalid}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
)

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network, Auth, Validation and Storage are shorthands for New.
func Network(op string, err error) *Error    { return New(KindNetwork, op, err) }
func Auth(op string, err error) *Error       { return New(KindAuth, op, err) }
func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Storage(op string, err error) *Error    { return New(KindStorage, op, err) }

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// Terminal reports whether the session can no longer be used.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindRefreshInvalid, KindSessionExpired:
		return true
	}
	return false
}
