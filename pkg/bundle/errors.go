package bundle

import "fmt"

// StructureError reports a bundle directory that is missing a required
// piece, such as its Info.plist or main executable.
type StructureError struct {
	Path   string
	Reason string
	Err    error
}

func (e *StructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bundle %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("bundle %s: %s", e.Path, e.Reason)
}

func (e *StructureError) Unwrap() error { return e.Err }
