// Package ca manages the proxy's own root certificate authority: the one
// trust anchor every MITM-terminated TLS connection is signed from.
// Generation and on-disk layout (cer/ca.crt, cer/ca.key) follow the
// original Rust implementation's create_ca_if_not_exist byte for byte;
// only the TLS library differs (stdlib crypto/x509 here, rcgen there —
// see DESIGN.md for why no pack dependency covers certificate templating).
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// CertFileName and KeyFileName are the on-disk names EnsureCA reads and
// writes, relative to the directory passed in.
const (
	CertFileName = "ca.crt"
	KeyFileName  = "ca.key"
)

// keyBits is the RSA modulus size for the generated root key. 2048 is the
// minimum any modern browser/OS trust store accepts without warning.
const keyBits = 2048

// validity is how long the generated root certificate is valid for.
const validity = 10 * 365 * 24 * time.Hour

// CA holds the parsed certificate and key EnsureCA loaded or generated,
// ready to sign per-host leaf certificates.
type CA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// EnsureCA loads the root CA from dir, generating and persisting a fresh
// one if either cer/ca.crt or cer/ca.key is missing. created reports
// whether generation happened, so the caller can log the one-time
// operator notice about trusting the new certificate.
func EnsureCA(dir string, logger zerolog.Logger) (ca *CA, created bool, err error) {
	certPath := filepath.Join(dir, CertFileName)
	keyPath := filepath.Join(dir, KeyFileName)

	if fileExists(certPath) && fileExists(keyPath) {
		ca, err := load(certPath, keyPath)
		return ca, false, err
	}

	ca, certPEM, keyPEM, err := generate()
	if err != nil {
		return nil, false, fmt.Errorf("generate CA: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, false, fmt.Errorf("write ca.crt: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, false, fmt.Errorf("write ca.key: %w", err)
	}

	logger.Info().Str("cert", certPath).Msg("generated a new root certificate; trust it in the operating system before use")

	return ca, true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// generate produces a fresh self-signed CA matching the original's
// DistinguishedName (CN/O = hud-proxy, C = US, ST = NY, L = NYC) and
// key usage (KeyCertSign, CrlSign) with IsCA set and no path-length
// constraint.
func generate() (*CA, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "hud-proxy",
			Organization:       []string{"hud-proxy"},
			Country:            []string{"US"},
			Province:           []string{"NY"},
			Locality:           []string{"NYC"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: mustMarshalPKCS8(key)})

	return &CA{Cert: cert, Key: key}, certPEM, keyPEM, nil
}

func mustMarshalPKCS8(key *rsa.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(fmt.Sprintf("marshal generated key: %v", err)) // unreachable: key was just generated
	}
	return der
}

func load(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca.crt: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca.key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca.crt: no PEM block found")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca.crt: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca.key: no PEM block found")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca.key: %w", err)
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ca.key: expected RSA key, got %T", keyAny)
	}

	return &CA{Cert: cert, Key: key}, nil
}
