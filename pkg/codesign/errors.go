package codesign

import "fmt"

// SigningError reports a failure signing the bundle or binary at Path.
type SigningError struct {
	Path string
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing %s: %v", e.Path, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }
