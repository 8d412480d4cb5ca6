package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T, notBefore, notAfter time.Time) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "desk-01"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
	os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600)
	return certPath, keyPath
}

func TestBuildTLSConfigNothingConfigured(t *testing.T) {
	cfg, err := BuildTLSConfig(Files{})
	if err != nil || cfg != nil {
		t.Fatalf("cfg=%v err=%v, want nil, nil", cfg, err)
	}
}

func TestBuildTLSConfigLoadsPairAndCA(t *testing.T) {
	now := time.Now()
	cert, key := writePair(t, now.Add(-time.Hour), now.Add(30*24*time.Hour))
	cfg, err := BuildTLSConfig(Files{CertFile: cert, KeyFile: key, CAFile: cert})
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.RootCAs == nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestBuildTLSConfigRejectsExpiredAndHalfPairs(t *testing.T) {
	now := time.Now()
	cert, key := writePair(t, now.Add(-48*time.Hour), now.Add(-time.Hour))
	if _, err := BuildTLSConfig(Files{CertFile: cert, KeyFile: key}); err == nil {
		t.Fatal("expired certificate should be rejected")
	}
	if _, err := BuildTLSConfig(Files{CertFile: cert}); err == nil {
		t.Fatal("certificate without key should be rejected")
	}
	if _, err := BuildTLSConfig(Files{CAFile: key}); err == nil {
		t.Fatal("CA file without certificates should be rejected")
	}
}

func TestNeedsRenewal(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * 24 * time.Hour)
	if NeedsRenewal(start, end, start.Add(59*24*time.Hour)) {
		t.Fatal("day 59 of 90 should not need renewal")
	}
	if !NeedsRenewal(start, end, start.Add(61*24*time.Hour)) {
		t.Fatal("day 61 of 90 should need renewal")
	}
	if NeedsRenewal(time.Time{}, end, start) {
		t.Fatal("unknown issue time should not need renewal")
	}
	if !IsExpired(end, end.Add(time.Second)) || IsExpired(end, start) {
		t.Fatal("IsExpired mismatch")
	}
}
