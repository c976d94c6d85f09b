// Package orchestrator serializes every nginx-visible mutation behind one
// mutex and runs each through the same barrier: stage the change in memory,
// write the fragments, ask nginx to validate, then either commit the state
// or restore the prior fragments bit-identically. The store is only touched
// after nginx accepted the configuration, so a rejected change leaves both
// disk and state exactly as they were.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/acmeagent"
	"github.com/nubi-sh/nubi/internal/nginxctl"
	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/reconcile"
	"github.com/nubi-sh/nubi/internal/render"
	"github.com/nubi-sh/nubi/internal/store"
)

// maintenancePageName is the per-host maintenance body under the html dir.
const maintenancePageName = "nubi_maintenance.html"

// defaultPageName is the custom default-route body under the html dir.
const defaultPageName = "nubi_default.html"

// Emitter receives change notifications for the telemetry fanout. A nil
// emitter is valid and drops everything.
type Emitter interface {
	EmitNginxStatus()
	EmitMaintenance(enabled bool, message string)
}

// Orchestrator coordinates store, renderer, reconciler and nginx.
type Orchestrator struct {
	mu sync.Mutex

	store   *store.Store
	render  *render.Renderer
	files   *reconcile.Reconciler
	nginx   *nginxctl.Controller
	agent   *acmeagent.Agent
	emitter Emitter
	log     *zap.Logger
}

// New builds an Orchestrator. agent may be nil when ACME is unconfigured.
func New(st *store.Store, r *render.Renderer, files *reconcile.Reconciler, nginx *nginxctl.Controller, agent *acmeagent.Agent, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:  st,
		render: r,
		files:  files,
		nginx:  nginx,
		agent:  agent,
		log:    log,
	}
}

// SetEmitter attaches the telemetry emitter after construction, breaking the
// construction cycle between orchestrator and fanout.
func (o *Orchestrator) SetEmitter(e Emitter) { o.emitter = e }

func (o *Orchestrator) emitStatus() {
	if o.emitter != nil {
		o.emitter.EmitNginxStatus()
	}
}

func (o *Orchestrator) emitMaintenance(enabled bool, message string) {
	if o.emitter != nil {
		o.emitter.EmitMaintenance(enabled, message)
	}
}

// barrier stashes the named fragments, runs write, and validates the result
// with nginx. On validation failure the stashed fragments are restored and a
// ConfigInvalid error carries nginx's diagnostic. On success the change is
// committed and reloaded; a reload failure still commits (the configuration
// is valid and on disk) and surfaces as a ReloadFailed warning.
//
// Callers hold o.mu.
func (o *Orchestrator) barrier(ctx context.Context, names []string, write func() error, commit func() error) error {
	stashes := make([]*reconcile.Stash, 0, len(names))
	for _, name := range names {
		st, err := o.files.Stash(name)
		if err != nil {
			return nubierr.Transientf(err, "failed to snapshot current config")
		}
		stashes = append(stashes, st)
	}
	restore := func() {
		for i := len(stashes) - 1; i >= 0; i-- {
			if err := stashes[i].Restore(o.files); err != nil {
				o.log.Error("failed to restore fragment after rejected change", zap.Error(err))
			}
		}
	}

	if err := write(); err != nil {
		restore()
		return err
	}

	out, err := o.nginx.Validate(ctx)
	if err != nil {
		restore()
		o.log.Warn("nginx rejected staged configuration", zap.String("diagnostic", out))
		return nubierr.ConfigInvalid("nginx rejected the generated configuration", out)
	}

	reloadErr := o.nginx.Reload(ctx)
	if commit != nil {
		if err := commit(); err != nil {
			// The fragments are live but the state write failed. Surface the
			// store error; the next successful mutation re-persists.
			return err
		}
	}
	o.emitStatus()

	if reloadErr != nil {
		o.log.Warn("nginx reload failed after commit", zap.Error(reloadErr))
		return nubierr.ReloadFailed(reloadErr)
	}
	return nil
}

// committed reports whether err left the mutation committed. A failed reload
// commits: the configuration is valid and on disk, only the signal failed.
func committed(err error) bool {
	return nubierr.KindOf(err) == nubierr.KindReloadFailed
}

// hostView joins a host with its certificate's on-disk paths. A binding that
// no longer resolves renders the host HTTP-only rather than breaking nginx.
func (o *Orchestrator) hostView(h *store.ProxyHost) render.HostView {
	v := render.HostView{
		ID:          h.ID,
		Domain:      h.Domain,
		Target:      h.Target,
		LBMethod:    h.LBMethod,
		SSL:         h.SSL,
		ForceSSL:    h.ForceSSL,
		Enabled:     h.Enabled,
		Maintenance: h.Maintenance,
		WebSocket:   h.WebSocket,
		CustomNginx: h.CustomNginx,
	}
	for _, b := range h.Backends {
		v.Backends = append(v.Backends, render.BackendView{
			Address: b.Address,
			Weight:  b.Weight,
			Backup:  b.Backup,
		})
	}
	if h.SSL && h.CertificateID != "" {
		certPath, keyPath, chainPath, err := o.store.CertificatePaths(h.CertificateID)
		if err == nil {
			v.CertPath, v.KeyPath, v.ChainPath = certPath, keyPath, chainPath
		} else {
			o.log.Warn("host references unknown certificate, rendering without TLS",
				zap.String("domain", h.Domain),
				zap.String("certificateId", h.CertificateID))
		}
	}
	return v
}

// materializeHost renders and writes one host's fragment.
func (o *Orchestrator) materializeHost(h *store.ProxyHost) error {
	content := o.render.Host(o.hostView(h))
	if err := o.files.Materialize(render.Filename(h.Domain), content, h.Enabled); err != nil {
		return nubierr.Transientf(err, "failed to write config for %s", h.Domain)
	}
	return nil
}

// Reload asks nginx to reload without changing any configuration.
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.nginx.Reload(ctx); err != nil {
		return nubierr.ReloadFailed(err)
	}
	o.emitStatus()
	return nil
}

// ValidateConfig runs nginx -t and returns its output.
func (o *Orchestrator) ValidateConfig(ctx context.Context) (string, error) {
	out, err := o.nginx.Validate(ctx)
	if err != nil {
		return out, nubierr.ConfigInvalid("nginx configuration test failed", out)
	}
	return out, nil
}

// Status reports nginx health.
func (o *Orchestrator) Status(ctx context.Context) *nginxctl.Status {
	return o.nginx.CollectStatus(ctx)
}

// RetryReload reloads nginx with exponential backoff, for recovering from
// transient signal delivery failures without operator involvement.
func (o *Orchestrator) RetryReload(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		return o.nginx.Reload(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nubierr.ReloadFailed(err)
	}
	o.emitStatus()
	return nil
}

// Startup re-renders every fragment from persisted state so the tree always
// reflects the store after a restart, then validates and reloads. A broken
// tree is logged, not fatal: the daemon must come up so the operator can fix
// the state through the API.
func (o *Orchestrator) Startup(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.files.WriteHTML(maintenancePageName, render.MaintenancePage(o.store.MaintenanceState().Message)); err != nil {
		o.log.Warn("failed to write maintenance page", zap.Error(err))
	}

	for _, h := range o.store.ListHosts() {
		if err := o.materializeHost(h); err != nil {
			return err
		}
	}

	route := o.store.DefaultRoute()
	if !route.Enabled {
		// First boot, or nothing catching unmatched requests: install the
		// plain nginx default_server so stub_status is always reachable.
		route = &store.DefaultRoute{Enabled: true, Mode: store.ModeNginxDefault}
		if err := o.store.SetDefaultRoute(route); err != nil {
			o.log.Warn("failed to persist bootstrap default route", zap.Error(err))
		}
		o.log.Info("no default route configured, installing nginx default")
	}
	if err := o.materializeRoute(route); err != nil {
		return err
	}

	out, err := o.nginx.Validate(ctx)
	if err != nil {
		o.log.Error("startup configuration did not validate", zap.String("diagnostic", out))
		return nil
	}
	if err := o.nginx.Reload(ctx); err != nil {
		o.log.Warn("startup reload failed", zap.Error(err))
	}
	o.emitStatus()
	return nil
}

// ImportResult summarizes a bulk host import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// ImportHosts creates hosts in bulk. Each host runs its own barrier so one
// bad entry cannot poison the batch. A domain collision is skipped unless
// overwrite is set, in which case the incoming record updates the existing
// host under its existing id. Other failures are collected per entry.
func (o *Orchestrator) ImportHosts(ctx context.Context, hosts []*store.ProxyHost, overwrite bool) ImportResult {
	result := ImportResult{Errors: []string{}}
	for _, h := range hosts {
		_, err := o.CreateHost(ctx, h)
		if nubierr.KindOf(err) == nubierr.KindConflict && overwrite {
			if existing := o.store.GetHostByDomain(h.Domain); existing != nil {
				_, err = o.UpdateHost(ctx, existing.ID, h)
			}
		}
		switch nubierr.KindOf(err) {
		case nubierr.KindConflict:
			result.Skipped++
		case nubierr.KindReloadFailed:
			// Committed; the batch's final state is still consistent.
			result.Imported++
		default:
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", h.Domain, err))
			} else {
				result.Imported++
			}
		}
	}
	return result
}
