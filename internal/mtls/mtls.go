// Package mtls loads the optional client certificate presented to the
// manifest, token and asset endpoints.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("mtls")

// Files names the PEM files of a client identity and an optional CA bundle.
type Files struct {
	CertFile string `mapstructure:"client_cert_file" yaml:"client_cert_file,omitempty"`
	KeyFile  string `mapstructure:"client_key_file" yaml:"client_key_file,omitempty"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file,omitempty"`
}

// Enabled reports whether any TLS material is configured.
func (f Files) Enabled() bool {
	return f.CertFile != "" || f.KeyFile != "" || f.CAFile != ""
}

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mTLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config for f, or nil when nothing is
// configured. Certificate and key must be given together.
func BuildTLSConfig(f Files) (*tls.Config, error) {
	if !f.Enabled() {
		return nil, nil
	}
	if (f.CertFile == "") != (f.KeyFile == "") {
		return nil, fmt.Errorf("client_cert_file and client_key_file must be set together")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.CertFile != "" {
		certPEM, err := os.ReadFile(f.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client key: %w", err)
		}
		cert, err := LoadClientCert(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		if cert.Leaf != nil {
			if IsExpired(cert.Leaf.NotAfter, time.Now()) {
				return nil, fmt.Errorf("client certificate expired at %s", cert.Leaf.NotAfter.Format(time.RFC3339))
			}
			if NeedsRenewal(cert.Leaf.NotBefore, cert.Leaf.NotAfter, time.Now()) {
				log.Warn("client certificate is past two thirds of its lifetime", "expires", cert.Leaf.NotAfter)
			}
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}

	if f.CAFile != "" {
		caPEM, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", f.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// IsExpired reports whether notAfter has passed at now.
func IsExpired(notAfter, now time.Time) bool {
	return now.After(notAfter)
}

// NeedsRenewal reports whether now is past two thirds of the lifetime.
func NeedsRenewal(notBefore, notAfter, now time.Time) bool {
	if notBefore.IsZero() || notAfter.IsZero() || !notAfter.After(notBefore) {
		return false
	}
	lifetime := notAfter.Sub(notBefore)
	return now.After(notBefore.Add(lifetime * 2 / 3))
}
