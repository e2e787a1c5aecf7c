// Package x509util provides the process-wide certificate factory. The
// factory caches parsed certificates by content fingerprint so the same
// DER bytes seen during parsing, validation and publication decode only
// once. It is initialized at startup and safe for concurrent use.
package x509util

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"os"
	"sync"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/pkg/errors"
)

// FingerprintSHA256 returns the lowercase hex SHA-256 of raw.
func FingerprintSHA256(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Factory decodes DER certificates and CRLs with a fingerprint-keyed
// cache in front.
type Factory struct {
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{certs: make(map[string]*x509.Certificate)}
}

// ParseCertificate decodes a DER certificate, serving repeats from the
// cache.
func (f *Factory) ParseCertificate(der []byte) (*x509.Certificate, error) {
	fp := FingerprintSHA256(der)

	f.mu.RLock()
	cert, ok := f.certs[fp]
	f.mu.RUnlock()
	if ok {
		return cert, nil
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing certificate")
	}

	f.mu.Lock()
	f.certs[fp] = cert
	f.mu.Unlock()
	return cert, nil
}

// ParseCRL decodes a DER revocation list. CRLs are not cached; each
// upload carries at most a handful.
func (f *Factory) ParseCRL(der []byte) (*x509.RevocationList, error) {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing CRL")
	}
	return crl, nil
}

// VerifySelfSigned checks the certificate's signature with its own
// public key. Some national CSCAs are known to fail this on
// signature-encoding quirks; callers record the failure and persist
// anyway.
func VerifySelfSigned(cert *x509.Certificate) error {
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
}

// LoadAnchorBundle reads a PEM bundle of trust-anchor certificates
// (the UN/ICAO master list signer anchors) into a cert pool.
func LoadAnchorBundle(path string) (*x509.CertPool, []*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading anchor bundle")
	}
	certs, err := helpers.ParseCertificatesPEM(pemBytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing anchor bundle")
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, certs, nil
}
