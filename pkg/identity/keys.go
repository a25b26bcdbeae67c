package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
)

const (
	keyBits      = 2048
	keyFileName  = "key.pem"
	certFileName = "cert.pem"
)

// KeyDir returns the directory holding the key and certificate for appleID.
// Accounts are separated by the SHA-1 of the Apple ID.
func KeyDir(configDir, appleID string) string {
	sum := sha1.Sum([]byte(appleID))
	return filepath.Join(configDir, "keys", hex.EncodeToString(sum[:]))
}

// loadOrCreateKey returns the PKCS#8 key stored at path, generating and
// persisting a new one when none exists.
func loadOrCreateKey(path string, random io.Reader) (*rsa.PrivateKey, bool, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := parseKeyPEM(data)
		if err != nil {
			return nil, false, &CertificateError{Reason: "parsing " + path, Err: err}
		}
		return key, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, &CertificateError{Reason: "reading " + path, Err: err}
	}

	key, err := rsa.GenerateKey(random, keyBits)
	if err != nil {
		return nil, false, &CertificateError{Reason: "generating key", Err: err}
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, false, &CertificateError{Reason: "encoding key", Err: err}
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := atomicfile.WriteFile(path, out, 0o600); err != nil {
		return nil, false, &CertificateError{Reason: "writing " + path, Err: err}
	}
	return key, true, nil
}

func parseKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return rk, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, errors.New("unexpected PEM block " + block.Type)
	}
}

func writeCertPEM(path string, der []byte) error {
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := atomicfile.WriteFile(path, out, 0o644); err != nil {
		return &CertificateError{Reason: "writing " + path, Err: err}
	}
	return nil
}

// publicKeyMatches compares the raw SubjectPublicKeyInfo bit string of cert
// with the PKCS#1 encoding of pub.
func publicKeyMatches(cert *x509.Certificate, pub *rsa.PublicKey) bool {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return false
	}
	if spki.PublicKey.BitLength%8 != 0 {
		return false
	}
	return bytes.Equal(spki.PublicKey.Bytes, x509.MarshalPKCS1PublicKey(pub))
}

// buildCSR returns a PEM certificate signing request for key. The portal
// ignores the subject but requires one to be present.
func buildCSR(key *rsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			Country:      []string{"US"},
			Province:     []string{"STATE"},
			Locality:     []string{"LOCAL"},
			Organization: []string{"ORGNIZATION"},
			CommonName:   "CN",
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, &CertificateError{Reason: "building CSR", Err: err}
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}
