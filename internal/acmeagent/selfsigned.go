package acmeagent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/store"
)

const selfSignedLifetime = 365 * 24 * time.Hour

// SelfSignedRequest asks for a locally-minted certificate, typically for
// internal names that public CAs will not issue for.
type SelfSignedRequest struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
	Tags    []string `json:"tags,omitempty"`
}

// IssueSelfSigned mints a one-year self-signed certificate and registers it
// with the store.
func (a *Agent) IssueSelfSigned(req SelfSignedRequest) (*store.Certificate, error) {
	if len(req.Domains) == 0 {
		return nil, nubierr.Validationf("at least one domain is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nubierr.Transientf(err, "failed to generate key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nubierr.Transientf(err, "failed to generate serial")
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: req.Domains[0]},
		DNSNames:     req.Domains,
		NotBefore:    now,
		NotAfter:     now.Add(selfSignedLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nubierr.Transientf(err, "failed to create certificate")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nubierr.Transientf(err, "failed to encode key")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	name := req.Name
	if name == "" {
		name = req.Domains[0]
	}
	cert := &store.Certificate{
		Name:      name,
		Domains:   req.Domains,
		Type:      store.CertSelfSigned,
		ExpiresAt: template.NotAfter,
		Tags:      req.Tags,
	}
	return a.store.CreateCertificate(cert, certPEM, keyPEM, nil)
}
