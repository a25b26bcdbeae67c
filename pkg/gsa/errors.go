package gsa

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongState is returned when a login step is invoked in a state
	// that does not accept it.
	ErrWrongState = errors.New("login step not valid in current state")

	// ErrBadCode is returned when the server rejects a two-factor code.
	ErrBadCode = errors.New("incorrect verification code")

	// ErrNotLoggedIn is returned when a session is requested before login
	// completed.
	ErrNotLoggedIn = errors.New("not logged in")
)

// AuthError is a login failure reported by the server (or by SRP itself,
// with code 0).
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Code == 0 {
		return "authentication failed: " + e.Message
	}
	return fmt.Sprintf("authentication failed (%d): %s", e.Code, e.Message)
}

// TwoFactorError wraps a failed or cancelled two-factor step.
type TwoFactorError struct {
	Err error
}

func (e *TwoFactorError) Error() string {
	return "two-factor authentication failed: " + e.Err.Error()
}

func (e *TwoFactorError) Unwrap() error { return e.Err }

// UnsupportedStepError is returned when the server asks for a login step
// this client does not implement.
type UnsupportedStepError struct {
	Step string
}

func (e *UnsupportedStepError) Error() string {
	return fmt.Sprintf("unsupported login step %q", e.Step)
}

// TokenDecryptionError is a malformed or unauthenticated token payload.
type TokenDecryptionError struct {
	Err error
}

func (e *TokenDecryptionError) Error() string {
	return "failed to decrypt token: " + e.Err.Error()
}

func (e *TokenDecryptionError) Unwrap() error { return e.Err }
