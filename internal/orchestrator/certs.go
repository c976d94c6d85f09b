package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/acmeagent"
	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/render"
	"github.com/nubi-sh/nubi/internal/store"
)

// ApplyCertificate binds a certificate to the given hosts and re-renders
// their fragments in one barrier, so either every binding takes effect or
// none does.
func (o *Orchestrator) ApplyCertificate(ctx context.Context, certID string, hostIDs []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.store.GetCertificate(certID); err != nil {
		return err
	}

	staged := make([]*store.ProxyHost, 0, len(hostIDs))
	names := make([]string, 0, len(hostIDs))
	now := time.Now()
	for _, id := range hostIDs {
		h, err := o.store.GetHost(id)
		if err != nil {
			return err
		}
		h.CertificateID = certID
		h.SSL = true
		h.UpdatedAt = now
		staged = append(staged, h)
		names = append(names, render.Filename(h.Domain))
	}

	err := o.barrier(ctx, names,
		func() error {
			for _, h := range staged {
				if err := o.materializeHost(h); err != nil {
					return err
				}
			}
			return nil
		},
		func() error {
			for _, h := range staged {
				if err := o.store.PutHost(h); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil && !committed(err) {
		return err
	}
	o.log.Info("certificate applied",
		zap.String("certificateId", certID),
		zap.Int("hosts", len(staged)))
	return err
}

// DeleteCertificate removes an unbound certificate. No fragment references
// it (the store refuses deletion while bound), so nginx is untouched.
func (o *Orchestrator) DeleteCertificate(ctx context.Context, certID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.DeleteCertificate(certID)
}

// IssueCertificate obtains a new ACME certificate. The mutation mutex is
// held for the whole issuance: the agent's DNS credentials live in process
// environment variables for its duration, so issuances must never overlap.
func (o *Orchestrator) IssueCertificate(ctx context.Context, req acmeagent.IssueRequest) (*store.Certificate, error) {
	if o.agent == nil {
		return nil, nubierr.Validationf("ACME is not configured")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agent.Issue(ctx, req)
}

// IssueSelfSigned mints a self-signed certificate.
func (o *Orchestrator) IssueSelfSigned(req acmeagent.SelfSignedRequest) (*store.Certificate, error) {
	if o.agent == nil {
		return nil, nubierr.Validationf("ACME is not configured")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agent.IssueSelfSigned(req)
}

// RenewCertificate re-issues an ACME certificate in place. The material
// paths are id-derived and unchanged, so bound hosts need no re-render; a
// reload picks up the new materials.
func (o *Orchestrator) RenewCertificate(ctx context.Context, certID, provider string, credentials map[string]string) (*store.Certificate, error) {
	if o.agent == nil {
		return nil, nubierr.Validationf("ACME is not configured")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	renewed, err := o.agent.Renew(ctx, certID, provider, credentials)
	if err != nil {
		return nil, err
	}
	if len(o.store.HostsBoundTo(certID)) > 0 {
		if err := o.nginx.Reload(ctx); err != nil {
			return renewed, nubierr.ReloadFailed(err)
		}
		o.emitStatus()
	}
	return renewed, nil
}

// RenewalScan lists the ACME certificates due for renewal.
func (o *Orchestrator) RenewalScan() []acmeagent.RenewalCandidate {
	if o.agent == nil {
		return nil
	}
	return o.agent.RenewalScan()
}
