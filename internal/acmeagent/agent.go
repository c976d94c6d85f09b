// Package acmeagent obtains and renews Let's Encrypt certificates through
// DNS-01 challenges, and mints self-signed certificates for internal names.
// Issued materials are handed to the state store, which owns their on-disk
// layout.
package acmeagent

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/store"
)

const (
	dnsPropagationTimeout = 120 * time.Second
	renewalWindow         = 30 * 24 * time.Hour
	fallbackLifetime      = 90 * 24 * time.Hour
)

var recursiveNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// Agent drives ACME issuance against one CA directory.
type Agent struct {
	store    *store.Store
	certsDir string
	email    string
	staging  bool
	log      *zap.Logger
}

// New builds an Agent. certsDir is where the ACME account key lives.
func New(st *store.Store, certsDir, email string, staging bool, log *zap.Logger) *Agent {
	return &Agent{store: st, certsDir: certsDir, email: email, staging: staging, log: log}
}

// acmeUser satisfies lego's registration.User.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// accountKey loads the ACME account key, generating a P-256 key on first
// use. The key is persisted so the account survives restarts.
func (a *Agent) accountKey() (crypto.PrivateKey, error) {
	dir := filepath.Join(a.certsDir, "letsencrypt")
	path := filepath.Join(dir, "user.key")

	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, nubierr.Transientf(nil, "account key is not valid PEM: %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, nubierr.Transientf(err, "failed to parse account key")
		}
		return key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nubierr.Transientf(err, "failed to generate account key")
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nubierr.Transientf(err, "failed to encode account key")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nubierr.Transientf(err, "failed to create account key dir")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, nubierr.Transientf(err, "failed to save account key")
	}
	a.log.Info("generated new ACME account key", zap.String("path", path))
	return key, nil
}

// newClient builds a registered lego client with the DNS-01 solver attached.
func (a *Agent) newClient(providerName string) (*lego.Client, error) {
	key, err := a.accountKey()
	if err != nil {
		return nil, err
	}
	user := &acmeUser{email: a.email, key: key}

	cfg := lego.NewConfig(user)
	if a.staging {
		cfg.CADirURL = lego.LEDirectoryStaging
	} else {
		cfg.CADirURL = lego.LEDirectoryProduction
	}
	cfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, nubierr.Acme(err, "failed to create ACME client")
	}

	provider, err := dns.NewDNSChallengeProviderByName(providerName)
	if err != nil {
		return nil, nubierr.Acme(err, fmt.Sprintf("failed to init DNS provider %s", providerName))
	}
	err = client.Challenge.SetDNS01Provider(provider,
		dns01.AddDNSTimeout(dnsPropagationTimeout),
		dns01.AddRecursiveNameservers(recursiveNameservers),
	)
	if err != nil {
		return nil, nubierr.Acme(err, "failed to configure DNS-01 solver")
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, nubierr.Acme(err, "failed to register ACME account")
	}
	user.registration = reg
	return client, nil
}

// IssueRequest asks for a new Let's Encrypt certificate.
type IssueRequest struct {
	Name        string            `json:"name"`
	Domains     []string          `json:"domains"`
	Provider    string            `json:"dnsProvider"`
	Credentials map[string]string `json:"credentials"`
	AutoRenew   bool              `json:"autoRenew"`
	Tags        []string          `json:"tags,omitempty"`
}

// Issue runs the DNS-01 flow and registers the resulting certificate with
// the store.
func (a *Agent) Issue(ctx context.Context, req IssueRequest) (*store.Certificate, error) {
	if len(req.Domains) == 0 {
		return nil, nubierr.Validationf("at least one domain is required")
	}
	provider, err := LookupProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := validateCredentials(provider, req.Credentials); err != nil {
		return nil, err
	}

	var res *certificate.Resource
	err = withEnv(req.Credentials, func() error {
		client, err := a.newClient(req.Provider)
		if err != nil {
			return err
		}
		a.log.Info("requesting certificate",
			zap.Strings("domains", req.Domains),
			zap.String("provider", req.Provider),
			zap.Bool("staging", a.staging))
		res, err = client.Certificate.Obtain(certificate.ObtainRequest{
			Domains: req.Domains,
			Bundle:  true,
		})
		if err != nil {
			return nubierr.Acme(err, "certificate issuance failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = req.Domains[0]
	}
	cert := &store.Certificate{
		Name:      name,
		Domains:   req.Domains,
		Type:      store.CertLetsEncrypt,
		ExpiresAt: leafExpiry(res.Certificate),
		AutoRenew: req.AutoRenew,
		Tags:      req.Tags,
	}
	created, err := a.store.CreateCertificate(cert, res.Certificate, res.PrivateKey, res.IssuerCertificate)
	if err != nil {
		return nil, err
	}
	a.log.Info("certificate issued",
		zap.String("id", created.ID),
		zap.Time("expiresAt", created.ExpiresAt))
	return created, nil
}

// Renew re-runs issuance for an existing certificate and swaps its materials
// in place, keeping the id and paths stable so host bindings stay valid.
func (a *Agent) Renew(ctx context.Context, id, providerName string, credentials map[string]string) (*store.Certificate, error) {
	existing, err := a.store.GetCertificate(id)
	if err != nil {
		return nil, err
	}
	if existing.Type != store.CertLetsEncrypt {
		return nil, nubierr.Validationf("certificate %s is not ACME-issued", id)
	}
	provider, err := LookupProvider(providerName)
	if err != nil {
		return nil, err
	}
	if err := validateCredentials(provider, credentials); err != nil {
		return nil, err
	}

	var res *certificate.Resource
	err = withEnv(credentials, func() error {
		client, err := a.newClient(providerName)
		if err != nil {
			return err
		}
		a.log.Info("renewing certificate",
			zap.String("id", id),
			zap.Strings("domains", existing.Domains))
		res, err = client.Certificate.Obtain(certificate.ObtainRequest{
			Domains: existing.Domains,
			Bundle:  true,
		})
		if err != nil {
			return nubierr.Acme(err, "certificate renewal failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	renewed, err := a.store.RenewCertificate(id, res.Certificate, res.PrivateKey, res.IssuerCertificate, leafExpiry(res.Certificate))
	if err != nil {
		return nil, err
	}
	a.log.Info("certificate renewed",
		zap.String("id", id),
		zap.Time("expiresAt", renewed.ExpiresAt))
	return renewed, nil
}

// leafExpiry parses the leaf certificate's notAfter. If the bundle cannot be
// parsed the expiry is estimated at the standard 90-day lifetime so renewal
// scanning still works.
func leafExpiry(bundle []byte) time.Time {
	block, _ := pem.Decode(bundle)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Now().Add(fallbackLifetime)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Now().Add(fallbackLifetime)
	}
	return leaf.NotAfter
}

// RenewalCandidate is one certificate due for renewal.
type RenewalCandidate struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Domains         []string  `json:"domains"`
	ExpiresAt       time.Time `json:"expiresAt"`
	DaysUntilExpiry int       `json:"daysUntilExpiry"`
}

// RenewalScan returns the ACME certificates with auto-renew enabled that
// expire within 30 days. Read-only: actually renewing requires credentials
// the daemon does not retain.
func (a *Agent) RenewalScan() []RenewalCandidate {
	now := time.Now()
	var due []RenewalCandidate
	for _, c := range a.store.ListCertificates() {
		if !c.AutoRenew || c.Type != store.CertLetsEncrypt {
			continue
		}
		remaining := c.ExpiresAt.Sub(now)
		if remaining > renewalWindow {
			continue
		}
		due = append(due, RenewalCandidate{
			ID:              c.ID,
			Name:            c.Name,
			Domains:         c.Domains,
			ExpiresAt:       c.ExpiresAt,
			DaysUntilExpiry: int(remaining.Hours() / 24),
		})
	}
	return due
}
