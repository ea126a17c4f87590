package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// leafValidity is short-lived relative to the root: leaves are minted
// on demand per target host and never reused across proxy restarts.
const leafValidity = 365 * 24 * time.Hour

// LeafStore mints and caches per-host TLS certificates signed by the
// root CA, so the MITM layer only pays the RSA keygen+sign cost once per
// distinct target host rather than once per connection.
type LeafStore struct {
	ca *CA

	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

// NewLeafStore constructs a LeafStore signing with ca.
func NewLeafStore(ca *CA) *LeafStore {
	return &LeafStore{ca: ca, certs: make(map[string]*tls.Certificate)}
}

// LeafFor returns a tls.Certificate for host, generating and caching one
// signed by the root CA on first request. host may be a DNS name or an
// IP literal; both end up in the certificate's SAN list as appropriate.
func (s *LeafStore) LeafFor(host string) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cert, ok := s.certs[host]; ok {
		return cert, nil
	}

	cert, err := s.mint(host)
	if err != nil {
		return nil, err
	}
	s.certs[host] = cert
	return cert, nil
}

func (s *LeafStore) mint(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: []string{"hud-proxy"}},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.ca.Cert, &key.PublicKey, s.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.ca.Cert.Raw},
		PrivateKey:  key,
	}, nil
}
