// Package certs generates the ephemeral self-signed TLS certificate the
// SMTP server offers for STARTTLS.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// commonName is used both as the certificate subject and its sole SAN, per
// spec §6 ("self-signed with SAN localhost").
const commonName = "localhost"

// validity is generous on purpose: the certificate is regenerated every
// process start, so there is no rotation concern, only "don't let a
// long-running process's cert expire out from under it".
const validity = 10 * 365 * 24 * time.Hour

// GenerateSelfSigned returns a tls.Certificate valid for "localhost", newly
// minted in memory. There is no private key file and nothing is written to
// disk.
func GenerateSelfSigned() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: creating certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// ServerConfig returns a minimal server-side tls.Config offering cert for
// STARTTLS, with no client-certificate authentication (spec §6).
func ServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
