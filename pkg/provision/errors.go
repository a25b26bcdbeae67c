package provision

// Error reports a missing or unparseable profile or entitlements document.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "provisioning: " + e.Reason
	}
	return "provisioning: " + e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
