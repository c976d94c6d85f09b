package store

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nubi-sh/nubi/internal/nubierr"
)

// Load balancing policies accepted on a ProxyHost.
const (
	LBRoundRobin = "round_robin"
	LBLeastConn  = "least_conn"
	LBIPHash     = "ip_hash"
)

// Backend is a single upstream server of a load-balanced host. Order within
// a host is preserved and significant for rendering.
type Backend struct {
	Address string `json:"address"`
	Weight  int    `json:"weight"`
	Backup  bool   `json:"backup"`
}

// ProxyHost is one reverse-proxy site managed by the daemon.
type ProxyHost struct {
	ID            string    `json:"id"`
	Domain        string    `json:"domain"`
	Target        string    `json:"target"`
	Backends      []Backend `json:"backends,omitempty"`
	LBMethod      string    `json:"lbMethod,omitempty"`
	SSL           bool      `json:"ssl"`
	ForceSSL      bool      `json:"forceSSL"`
	CertificateID string    `json:"certificateId,omitempty"`
	Enabled       bool      `json:"enabled"`
	Maintenance   bool      `json:"maintenance"`
	WebSocket     bool      `json:"websocket"`
	CustomNginx   string    `json:"customNginx,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasLoadBalancing reports whether an upstream block is emitted for the host.
func (h *ProxyHost) HasLoadBalancing() bool {
	return len(h.Backends) >= 2
}

// Clone returns a deep copy safe to hand out past the store lock.
func (h *ProxyHost) Clone() *ProxyHost {
	c := *h
	if h.Backends != nil {
		c.Backends = append([]Backend(nil), h.Backends...)
	}
	if h.Tags != nil {
		c.Tags = append([]string(nil), h.Tags...)
	}
	return &c
}

var domainPattern = regexp.MustCompile(`^[A-Za-z0-9](-?[A-Za-z0-9])*(\.[A-Za-z0-9](-?[A-Za-z0-9])*)+$`)

// ValidateDomain checks a domain pattern. A single leading wildcard label is
// allowed and stripped before matching.
func ValidateDomain(domain string) error {
	if domain == "" {
		return nubierr.Validationf("domain is required")
	}
	bare := strings.TrimPrefix(domain, "*.")
	if strings.Contains(bare, "*") {
		return nubierr.Validationf("invalid domain %q: only a single leading wildcard label is allowed", domain)
	}
	if !domainPattern.MatchString(bare) {
		return nubierr.Validationf("invalid domain format: %s", domain)
	}
	return nil
}

func validateTarget(target string) error {
	if target == "" {
		return nubierr.Validationf("target is required")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nubierr.Validationf("target must start with http:// or https://")
	}
	return nil
}

func validateBackends(backends []Backend, lbMethod string) error {
	if len(backends) == 0 {
		return nubierr.Validationf("at least one backend is required")
	}
	for i, b := range backends {
		host, portStr, err := net.SplitHostPort(b.Address)
		if err != nil || host == "" {
			return nubierr.Validationf("backend %d: address %q is not host:port", i, b.Address)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nubierr.Validationf("backend %d: port %q out of range", i, portStr)
		}
		if b.Weight < 0 {
			return nubierr.Validationf("backend %d: weight must be >= 1", i)
		}
	}
	switch lbMethod {
	case "", LBRoundRobin, LBLeastConn, LBIPHash:
		return nil
	default:
		return nubierr.Validationf("unknown load balancing method: %s", lbMethod)
	}
}

// normalizeHost applies defaults that validation permits to be absent.
func normalizeHost(h *ProxyHost) {
	for i := range h.Backends {
		if h.Backends[i].Weight == 0 {
			h.Backends[i].Weight = 1
		}
	}
	if len(h.Backends) > 0 && h.LBMethod == "" {
		h.LBMethod = LBRoundRobin
	}
}
