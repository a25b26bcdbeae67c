package codesign

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-sideload/internal/applecerts"
)

// Identity is a certificate and private key used to sign code. A nil
// *Identity signs ad hoc.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	// Chain is the leaf followed by the Apple intermediates.
	Chain  []*x509.Certificate
	TeamID string
}

// NewIdentity pairs cert with key and completes the chain with the Apple
// WWDR intermediate and root.
func NewIdentity(cert *x509.Certificate, key crypto.PrivateKey) (*Identity, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	if !keyMatchesCert(rsaKey, cert) {
		return nil, fmt.Errorf("private key does not match certificate %q", cert.Subject.CommonName)
	}
	ca, err := applecerts.Intermediates()
	if err != nil {
		return nil, fmt.Errorf("failed to load Apple CA chain: %w", err)
	}
	return &Identity{
		Certificate: cert,
		PrivateKey:  rsaKey,
		Chain:       append([]*x509.Certificate{cert}, ca...),
		TeamID:      teamIDOf(cert),
	}, nil
}

// LoadP12 reads an identity from a PKCS#12 archive.
func LoadP12(data []byte, password string) (*Identity, error) {
	key, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	return NewIdentity(cert, key)
}

// LoadPEM reads an identity from PEM blocks spread over any number of
// files. The first certificate and the first private key are used.
func LoadPEM(files ...[]byte) (*Identity, error) {
	var (
		cert *x509.Certificate
		key  crypto.PrivateKey
	)
	for _, data := range files {
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			var err error
			switch block.Type {
			case "CERTIFICATE":
				if cert == nil {
					cert, err = x509.ParseCertificate(block.Bytes)
				}
			case "RSA PRIVATE KEY":
				if key == nil {
					key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
				}
			case "PRIVATE KEY":
				if key == nil {
					key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
			}
		}
	}
	if cert == nil {
		return nil, fmt.Errorf("no certificate found in PEM input")
	}
	if key == nil {
		return nil, fmt.Errorf("no private key found in PEM input")
	}
	return NewIdentity(cert, key)
}

func keyMatchesCert(key *rsa.PrivateKey, cert *x509.Certificate) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	return ok && key.N.Cmp(pub.N) == 0 && key.E == pub.E
}

// teamIDOf returns the ten character organizational unit Apple puts the
// team identifier in.
func teamIDOf(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
