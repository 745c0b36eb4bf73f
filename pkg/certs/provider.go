// Package certs owns the self-signed localhost certificate used by the
// secure listener: creating it, checking it exists and registering it in
// the user's trust store.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	CertFileName = "server.crt"
	KeyFileName  = "server.key"

	validity = 10 * 365 * 24 * time.Hour
)

// Provider is the certificate source the server starts from.
type Provider interface {
	CertPath() string
	KeyPath() string
	Exists() bool
}

// FileProvider keeps server.crt and server.key in one folder.
type FileProvider struct {
	Folder string
}

// NewFileProvider returns a provider rooted at folder.
func NewFileProvider(folder string) *FileProvider {
	return &FileProvider{Folder: folder}
}

func (p *FileProvider) CertPath() string { return filepath.Join(p.Folder, CertFileName) }

func (p *FileProvider) KeyPath() string { return filepath.Join(p.Folder, KeyFileName) }

// Exists reports whether both halves of the pair are present.
func (p *FileProvider) Exists() bool {
	return fileExists(p.CertPath()) && fileExists(p.KeyPath())
}

// Missing returns the first absent file, or "" when both exist.
func (p *FileProvider) Missing() string {
	for _, f := range []string{p.CertPath(), p.KeyPath()} {
		if !fileExists(f) {
			return f
		}
	}
	return ""
}

// Remove deletes both files. Absent files are not an error.
func (p *FileProvider) Remove() error {
	var errs []error
	for _, f := range []string{p.CertPath(), p.KeyPath()} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Create writes a fresh RSA-2048 self-signed certificate for localhost,
// replacing any existing pair. The folder is created owner-only.
func (p *FileProvider) Create() error {
	if err := os.MkdirAll(p.Folder, 0o700); err != nil {
		return fmt.Errorf("create certificate folder: %w", err)
	}
	if err := p.Remove(); err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	subject := pkix.Name{
		Country:            []string{"US"},
		Province:           []string{"California"},
		Locality:           []string{"San Rafael"},
		Organization:       []string{"Autodesk"},
		OrganizationalUnit: []string{"Shotgun Software"},
		CommonName:         "localhost",
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1000),
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(p.CertPath(), certPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(p.KeyPath(), keyPEM, 0o600)
}

// Load reads the pair for a TLS listener.
func Load(p Provider) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(p.CertPath(), p.KeyPath())
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
