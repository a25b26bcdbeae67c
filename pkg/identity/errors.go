package identity

// CertificateError reports a failure to generate, encode, persist or match
// the signing key and certificate.
type CertificateError struct {
	Reason string
	Err    error
}

func (e *CertificateError) Error() string {
	if e.Err == nil {
		return "certificate: " + e.Reason
	}
	return "certificate: " + e.Reason + ": " + e.Err.Error()
}

func (e *CertificateError) Unwrap() error { return e.Err }
