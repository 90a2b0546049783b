package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// certValidity is how long a generated node certificate stays valid.
const certValidity = 365 * 24 * time.Hour

// generateCertificate creates a self-signed certificate for the node key.
// The common name is the short key fingerprint used in logs.
func generateCertificate(privateKey ed25519.PrivateKey) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: Fingerprint(publicKey)},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  privateKey,
		Leaf:        leaf,
	}, nil
}

// extractPublicKey returns the ed25519 key of the peer's certificate.
func extractPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificate")
	}

	pubKey, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate does not contain ed25519 key")
	}

	return pubKey, nil
}

// verifyTrusted checks key against the allow-list. An empty list trusts any key.
func verifyTrusted(key ed25519.PublicKey, trusted []ed25519.PublicKey) error {
	if len(trusted) == 0 {
		return nil
	}

	for _, t := range trusted {
		if bytes.Equal(key, t) {
			return nil
		}
	}

	return fmt.Errorf("untrusted peer key %s", Fingerprint(key))
}

// Fingerprint returns the first 8 bytes of key in hex.
func Fingerprint(key ed25519.PublicKey) string {
	if len(key) < 8 {
		return fmt.Sprintf("%x", []byte(key))
	}

	return fmt.Sprintf("%x", []byte(key[:8]))
}
