package store

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nubi-sh/nubi/internal/nubierr"
)

// ListCertificates returns all certificates ordered by creation time.
func (s *Store) ListCertificates() []*Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	certs := make([]*Certificate, 0, len(s.certs))
	for _, c := range s.certs {
		certs = append(certs, c.Clone())
	}
	sort.Slice(certs, func(i, j int) bool {
		if !certs[i].CreatedAt.Equal(certs[j].CreatedAt) {
			return certs[i].CreatedAt.Before(certs[j].CreatedAt)
		}
		return certs[i].ID < certs[j].ID
	})
	return certs
}

// GetCertificate returns the certificate with the given id.
func (s *Store) GetCertificate(id string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certs[id]
	if !ok {
		return nil, nubierr.NotFoundf("certificate not found: %s", id)
	}
	return c.Clone(), nil
}

// CertificatePaths resolves the on-disk material paths for a certificate id.
func (s *Store) CertificatePaths(id string) (certPath, keyPath, chainPath string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certs[id]
	if !ok {
		return "", "", "", nubierr.NotFoundf("certificate not found: %s", id)
	}
	return c.CertPath, c.KeyPath, c.ChainPath, nil
}

// CreateCertificate stores the PEM materials under the certs directory and
// registers the certificate. The key is written mode 0600. chainPEM may be
// nil.
func (s *Store) CreateCertificate(cert *Certificate, certPEM, keyPEM, chainPEM []byte) (*Certificate, error) {
	if cert.Name == "" {
		return nil, nubierr.Validationf("certificate name is required")
	}
	if len(cert.Domains) == 0 {
		return nil, nubierr.Validationf("certificate must cover at least one domain")
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, nubierr.Validationf("certificate and key content are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cert = cert.Clone()
	cert.ID = uuid.New().String()
	now := time.Now()
	cert.CreatedAt = now
	cert.UpdatedAt = now

	certPath := filepath.Join(s.certsDir, cert.ID+".crt")
	keyPath := filepath.Join(s.certsDir, cert.ID+".key")

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, nubierr.Transientf(err, "failed to save certificate")
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		os.Remove(certPath)
		return nil, nubierr.Transientf(err, "failed to save private key")
	}
	cert.CertPath = certPath
	cert.KeyPath = keyPath

	if len(chainPEM) > 0 {
		chainPath := filepath.Join(s.certsDir, cert.ID+".chain.crt")
		if err := os.WriteFile(chainPath, chainPEM, 0o644); err != nil {
			os.Remove(certPath)
			os.Remove(keyPath)
			return nil, nubierr.Transientf(err, "failed to save chain")
		}
		cert.ChainPath = chainPath
	}

	s.certs[cert.ID] = cert
	if err := s.persistCerts(); err != nil {
		return nil, err
	}
	return cert.Clone(), nil
}

// UpdateCertificate edits certificate metadata. Materials and provenance are
// untouched.
func (s *Store) UpdateCertificate(id string, name string, domains []string, tags []string, autoRenew bool) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return nil, nubierr.NotFoundf("certificate not found: %s", id)
	}
	if name != "" {
		c.Name = name
	}
	if domains != nil {
		c.Domains = append([]string(nil), domains...)
	}
	if tags != nil {
		c.Tags = append([]string(nil), tags...)
	}
	c.AutoRenew = autoRenew
	c.UpdatedAt = time.Now()

	if err := s.persistCerts(); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// RenewCertificate replaces the materials of an existing certificate in
// place, preserving its id so host bindings stay valid. Paths stay id-derived
// and the expiry advances to the new bundle's. An empty chain leaves any
// existing chain file alone: fragments may still reference it.
func (s *Store) RenewCertificate(id string, certPEM, keyPEM, chainPEM []byte, expiresAt time.Time) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return nil, nubierr.NotFoundf("certificate not found: %s", id)
	}

	if err := os.WriteFile(c.CertPath, certPEM, 0o644); err != nil {
		return nil, nubierr.Transientf(err, "failed to write renewed certificate")
	}
	if err := os.WriteFile(c.KeyPath, keyPEM, 0o600); err != nil {
		return nil, nubierr.Transientf(err, "failed to write renewed key")
	}
	if len(chainPEM) > 0 {
		if c.ChainPath == "" {
			c.ChainPath = filepath.Join(s.certsDir, c.ID+".chain.crt")
		}
		if err := os.WriteFile(c.ChainPath, chainPEM, 0o644); err != nil {
			return nil, nubierr.Transientf(err, "failed to write renewed chain")
		}
	}
	c.ExpiresAt = expiresAt
	c.UpdatedAt = time.Now()

	if err := s.persistCerts(); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// DeleteCertificate removes a certificate and its materials. Refused while
// any host still references it.
func (s *Store) DeleteCertificate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[id]
	if !ok {
		return nubierr.NotFoundf("certificate not found: %s", id)
	}
	for _, h := range s.hosts {
		if h.CertificateID == id {
			return nubierr.Conflictf("certificate is in use by host %s", h.Domain)
		}
	}

	for _, p := range []string{c.CertPath, c.KeyPath, c.ChainPath} {
		if p != "" {
			os.Remove(p)
		}
	}
	delete(s.certs, id)
	return s.persistCerts()
}
