package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-sideload/internal/applecerts"
	"github.com/aluedeke/go-sideload/pkg/developer"
)

// Portal is the subset of the developer portal the manager needs.
type Portal interface {
	ListCertificates(ctx context.Context, teamID string) ([]developer.Certificate, error)
	SubmitCSR(ctx context.Context, teamID string, csrPEM []byte, machineName string) (*developer.CertRequest, error)
	RevokeCertificate(ctx context.Context, teamID, serialNumber string) error
}

// Config configures a Manager.
type Config struct {
	// ConfigDir is the root under which keys/<sha1(apple id)> is created.
	ConfigDir string
	AppleID   string
	// MachineName labels certificates issued to this machine.
	MachineName string
	Logger      zerolog.Logger
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

// Identity is a private key together with the portal certificate issued
// for it.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	MachineName string
	KeyFile     string
	CertFile    string
}

// SerialNumber renders the certificate serial as lowercase hex without
// leading zeros.
func (i *Identity) SerialNumber() string {
	return i.Certificate.SerialNumber.Text(16)
}

// Chain returns the certificate followed by the Apple intermediates.
func (i *Identity) Chain() ([]*x509.Certificate, error) {
	ca, err := applecerts.Intermediates()
	if err != nil {
		return nil, &CertificateError{Reason: "loading Apple CA", Err: err}
	}
	return append([]*x509.Certificate{i.Certificate}, ca...), nil
}

// PKCS12 exports the key and certificate as a password-protected PKCS#12
// archive readable by iOS.
func (i *Identity) PKCS12(password string) ([]byte, error) {
	data, err := pkcs12.LegacyDES.Encode(i.PrivateKey, i.Certificate, nil, password)
	if err != nil {
		return nil, &CertificateError{Reason: "encoding PKCS#12", Err: err}
	}
	return data, nil
}

// Manager keeps one signing identity per Apple ID and machine.
type Manager struct {
	keyDir      string
	machineName string
	portal      Portal
	log         zerolog.Logger
	rand        io.Reader

	mu sync.Mutex
}

// NewManager returns a manager that stores its key under cfg.ConfigDir.
func NewManager(cfg Config, portal Portal) *Manager {
	m := &Manager{
		keyDir:      KeyDir(cfg.ConfigDir, cfg.AppleID),
		machineName: cfg.MachineName,
		portal:      portal,
		log:         cfg.Logger,
		rand:        cfg.Rand,
	}
	if m.rand == nil {
		m.rand = rand.Reader
	}
	return m
}

// KeyFile returns the path of the persisted private key.
func (m *Manager) KeyFile() string { return filepath.Join(m.keyDir, keyFileName) }

// CertFile returns the path of the persisted certificate.
func (m *Manager) CertFile() string { return filepath.Join(m.keyDir, certFileName) }

// Ensure returns an identity whose certificate is valid for teamID. The
// key is loaded from disk or generated and written before any portal
// call. A certificate labelled with this machine whose public key matches
// is reused; otherwise a CSR is submitted. When the team is at its
// certificate quota, this machine's old certificate is revoked and the
// CSR is submitted once more.
func (m *Manager) Ensure(ctx context.Context, teamID string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, created, err := loadOrCreateKey(m.KeyFile(), m.rand)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Bool("created", created).Str("path", m.KeyFile()).Msg("signing key ready")

	id := &Identity{
		PrivateKey:  key,
		MachineName: m.machineName,
		KeyFile:     m.KeyFile(),
		CertFile:    m.CertFile(),
	}

	certs, err := m.portal.ListCertificates(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if cert := m.findMatching(certs, &key.PublicKey); cert != nil {
		m.log.Debug().Str("serial", cert.SerialNumber.Text(16)).Msg("reusing certificate")
		if err := m.adopt(id, cert); err != nil {
			return nil, err
		}
		return id, nil
	}

	csr, err := buildCSR(key)
	if err != nil {
		return nil, err
	}
	req, err := m.submit(ctx, teamID, csr)
	if err != nil {
		return nil, err
	}

	certs, err = m.portal.ListCertificates(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range certs {
		if certs[i].CertificateID != req.CertificateID {
			continue
		}
		cert, err := certs[i].X509()
		if err != nil {
			return nil, &CertificateError{Reason: "parsing issued certificate", Err: err}
		}
		m.log.Info().Str("team", teamID).Str("serial", cert.SerialNumber.Text(16)).Msg("issued certificate")
		if err := m.adopt(id, cert); err != nil {
			return nil, err
		}
		return id, nil
	}
	return nil, &CertificateError{Reason: "certificate not found after submission"}
}

func (m *Manager) adopt(id *Identity, cert *x509.Certificate) error {
	if err := writeCertPEM(id.CertFile, cert.Raw); err != nil {
		return err
	}
	id.Certificate = cert
	return nil
}

func (m *Manager) findMatching(certs []developer.Certificate, pub *rsa.PublicKey) *x509.Certificate {
	for i := range certs {
		if certs[i].MachineName != m.machineName {
			continue
		}
		cert, err := certs[i].X509()
		if err != nil {
			continue
		}
		if publicKeyMatches(cert, pub) {
			return cert
		}
	}
	return nil
}

// submit sends the CSR, revoking this machine's certificate and retrying
// at most once when the team is at quota.
func (m *Manager) submit(ctx context.Context, teamID string, csr []byte) (*developer.CertRequest, error) {
	req, err := m.portal.SubmitCSR(ctx, teamID, csr, m.machineName)
	if err == nil {
		return req, nil
	}
	if !developer.IsQuotaExceeded(err) {
		return nil, &CertificateError{Reason: "submitting CSR", Err: err}
	}

	certs, err := m.portal.ListCertificates(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var serial string
	for _, c := range certs {
		if c.MachineName == m.machineName {
			serial = c.SerialNumber
			break
		}
	}
	if serial == "" {
		return nil, &CertificateError{Reason: "too many certificates"}
	}
	m.log.Info().Str("team", teamID).Str("serial", serial).Msg("certificate quota reached, revoking")
	if err := m.portal.RevokeCertificate(ctx, teamID, serial); err != nil {
		return nil, &CertificateError{Reason: "revoking certificate " + serial, Err: err}
	}

	req, err = m.portal.SubmitCSR(ctx, teamID, csr, m.machineName)
	switch {
	case err == nil:
		return req, nil
	case developer.IsQuotaExceeded(err):
		return nil, &CertificateError{Reason: "certificate quota exceeded after revoke", Err: err}
	default:
		return nil, &CertificateError{Reason: "submitting CSR", Err: err}
	}
}
