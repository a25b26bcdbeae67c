package developer

import (
	"context"
	"crypto/x509"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Certificate is a development certificate held by a team.
type Certificate struct {
	Name           string    `plist:"name"`
	CertificateID  string    `plist:"certificateId"`
	SerialNumber   string    `plist:"serialNumber"`
	Status         string    `plist:"status"`
	MachineID      string    `plist:"machineId"`
	MachineName    string    `plist:"machineName"`
	ExpirationDate time.Time `plist:"expirationDate"`
	CertContent    []byte    `plist:"certContent"`
}

// X509 parses the DER certificate body.
func (c *Certificate) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.CertContent)
}

// CertRequest is the portal's receipt for a submitted CSR.
type CertRequest struct {
	CertificateID string `plist:"certificateId"`
	SerialNumber  string `plist:"serialNumber"`
	MachineID     string `plist:"machineId"`
	MachineName   string `plist:"machineName"`
}

// ListCertificates returns every development certificate of teamID.
func (c *Client) ListCertificates(ctx context.Context, teamID string) ([]Certificate, error) {
	var resp struct {
		Certificates []Certificate `plist:"certificates"`
	}
	body := map[string]interface{}{"teamId": teamID}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("listAllDevelopmentCerts"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// RevokeCertificate revokes the certificate with the given serial number.
func (c *Client) RevokeCertificate(ctx context.Context, teamID, serialNumber string) error {
	body := map[string]interface{}{
		"teamId":       teamID,
		"serialNumber": serialNumber,
	}
	c.log.Info().Str("team", teamID).Str("serial", serialNumber).Msg("revoking certificate")
	return c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("revokeDevelopmentCert"), body, nil)
}

// SubmitCSR asks the portal to issue a development certificate for the
// PEM-encoded request. The certificate is labelled with machineName.
func (c *Client) SubmitCSR(ctx context.Context, teamID string, csrPEM []byte, machineName string) (*CertRequest, error) {
	var resp struct {
		CertRequest CertRequest `plist:"certRequest"`
	}
	body := map[string]interface{}{
		"teamId":      teamID,
		"csrContent":  string(csrPEM),
		"machineId":   strings.ToUpper(uuid.NewString()),
		"machineName": machineName,
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("submitDevelopmentCSR"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.CertRequest, nil
}
