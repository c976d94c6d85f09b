package store

import (
	"sort"

	"github.com/nubi-sh/nubi/internal/nubierr"
)

// ListHosts returns all hosts ordered by creation time.
func (s *Store) ListHosts() []*ProxyHost {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]*ProxyHost, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h.Clone())
	}
	sort.Slice(hosts, func(i, j int) bool {
		if !hosts[i].CreatedAt.Equal(hosts[j].CreatedAt) {
			return hosts[i].CreatedAt.Before(hosts[j].CreatedAt)
		}
		return hosts[i].Domain < hosts[j].Domain
	})
	return hosts
}

// GetHost returns the host with the given id.
func (s *Store) GetHost(id string) (*ProxyHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[id]
	if !ok {
		return nil, nubierr.NotFoundf("proxy host not found: %s", id)
	}
	return h.Clone(), nil
}

// GetHostByDomain returns the host owning domain, or nil.
func (s *Store) GetHostByDomain(domain string) *ProxyHost {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, h := range s.hosts {
		if h.Domain == domain {
			return h.Clone()
		}
	}
	return nil
}

// ValidateHost checks a staged host against the store invariants without
// mutating anything. excludeID names the host being updated, so its own
// domain does not count as a conflict.
func (s *Store) ValidateHost(h *ProxyHost, excludeID string) error {
	if err := ValidateDomain(h.Domain); err != nil {
		return err
	}
	if len(h.Backends) == 0 {
		if err := validateTarget(h.Target); err != nil {
			return err
		}
	} else {
		if err := validateBackends(h.Backends, h.LBMethod); err != nil {
			return err
		}
	}
	if h.ForceSSL && !h.SSL {
		return nubierr.Validationf("forceSSL requires ssl to be enabled")
	}
	normalizeHost(h)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, existing := range s.hosts {
		if existing.ID != excludeID && existing.Domain == h.Domain {
			return nubierr.Conflictf("domain already exists: %s", h.Domain)
		}
	}
	if h.CertificateID != "" {
		if _, ok := s.certs[h.CertificateID]; !ok {
			return nubierr.Validationf("certificate not found: %s", h.CertificateID)
		}
	}
	for _, tagID := range h.Tags {
		if _, ok := s.tags[tagID]; !ok {
			return nubierr.Validationf("tag not found: %s", tagID)
		}
	}
	return nil
}

// PutHost inserts or replaces a validated host and persists the map. The
// caller (the orchestrator) only commits after nginx accepted the rendered
// fragment, so this never needs to roll back.
func (s *Store) PutHost(h *ProxyHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hosts[h.ID] = h.Clone()
	return s.persistHosts()
}

// RemoveHost deletes a host and persists the map, returning the removed
// record.
func (s *Store) RemoveHost(id string) (*ProxyHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hosts[id]
	if !ok {
		return nil, nubierr.NotFoundf("proxy host not found: %s", id)
	}
	delete(s.hosts, id)
	if err := s.persistHosts(); err != nil {
		return nil, err
	}
	return h, nil
}

// HostsBoundTo returns the hosts whose certificate binding is certID.
func (s *Store) HostsBoundTo(certID string) []*ProxyHost {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bound []*ProxyHost
	for _, h := range s.hosts {
		if h.CertificateID == certID {
			bound = append(bound, h.Clone())
		}
	}
	sort.Slice(bound, func(i, j int) bool { return bound[i].Domain < bound[j].Domain })
	return bound
}
