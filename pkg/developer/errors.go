package developer

import (
	"errors"
	"fmt"
)

// CodeCertificateQuota is the QH result code returned by submitDevelopmentCSR
// when the team already holds the maximum number of development certificates.
const CodeCertificateQuota = 7460

// ErrNotFound is returned by lookups that require an existing portal object.
var ErrNotFound = errors.New("developer: not found")

// PortalError is a failure reported by the developer portal. QH calls report
// a nonzero resultCode; v1 calls report an errors array whose first element
// carries the status.
type PortalError struct {
	Code    int64
	Message string
}

func (e *PortalError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("developer portal error %d", e.Code)
	}
	return fmt.Sprintf("developer portal error %d: %s", e.Code, e.Message)
}

// IsQuotaExceeded reports whether err carries the certificate quota code.
func IsQuotaExceeded(err error) bool {
	var pe *PortalError
	return errors.As(err, &pe) && pe.Code == CodeCertificateQuota
}
