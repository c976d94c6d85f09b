package store

import "time"

// Certificate provenance values.
const (
	CertUploaded    = "uploaded"
	CertLetsEncrypt = "letsencrypt"
	CertSelfSigned  = "self-signed"
)

// Certificate is a TLS certificate known to the daemon. Paths point at
// on-disk PEM materials owned by the store's certs directory (or, for
// uploads, wherever the operator placed them).
type Certificate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domains   []string  `json:"domains"`
	CertPath  string    `json:"certPath"`
	KeyPath   string    `json:"keyPath"`
	ChainPath string    `json:"chainPath,omitempty"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expiresAt"`
	AutoRenew bool      `json:"autoRenew"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out past the store lock.
func (c *Certificate) Clone() *Certificate {
	cp := *c
	if c.Domains != nil {
		cp.Domains = append([]string(nil), c.Domains...)
	}
	if c.Tags != nil {
		cp.Tags = append([]string(nil), c.Tags...)
	}
	return &cp
}

// Tag groups hosts and certificates for bulk operations.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}
