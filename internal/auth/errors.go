package auth

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by this package matches exactly one of
// them through errors.Is.
var (
	ErrUnauthenticated   = errors.New("auth: unauthenticated")
	ErrForbidden         = errors.New("auth: forbidden")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrExpired           = errors.New("auth: expired")
	ErrConflict          = errors.New("auth: conflict")
	ErrNotConfigured     = errors.New("auth: not configured")
	ErrUnavailable       = errors.New("auth: unavailable")
	ErrInvalidInput      = errors.New("auth: invalid input")
	ErrNotFound          = errors.New("auth: not found")
	ErrRateLimited       = errors.New("auth: rate limited")
)

// Error carries a kind, a stable machine-readable reason and an optional cause.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("auth: error")
	}
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Fail builds an error of the given kind with a reason code.
func Fail(kind error, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind error, reason string, err error) error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Unavailable marks a storage or transport failure as retryable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &Error{Kind: ErrUnavailable, Reason: "store_unavailable", Err: err}
}

// Reason returns the reason code attached to err, or "" when there is none.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsRetryable reports whether the caller may safely retry the operation.
// Only storage failures qualify; credential and authorization failures are terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// storeErr passes through the store's domain errors and marks everything else
// as unavailable.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrExpired, ErrInvalidInput, ErrUnavailable} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return Unavailable(err)
}
