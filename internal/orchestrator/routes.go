package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/render"
	"github.com/nubi-sh/nubi/internal/store"
)

// validateRoute checks mode-specific requirements before staging.
func validateRoute(r *store.DefaultRoute) error {
	switch r.Mode {
	case store.ModeNginxDefault, store.ModeCustomPage:
	case store.ModeProxy:
		if !strings.HasPrefix(r.Target, "http://") && !strings.HasPrefix(r.Target, "https://") {
			return nubierr.Validationf("proxy mode requires a target starting with http:// or https://")
		}
	case store.ModeRedirect:
		if r.RedirectURL == "" {
			return nubierr.Validationf("redirect mode requires a redirect URL")
		}
	case store.ModeErrorCode:
		if r.ErrorCode < 100 || r.ErrorCode > 599 {
			return nubierr.Validationf("error code %d out of range", r.ErrorCode)
		}
	default:
		return nubierr.Validationf("unknown default route mode: %s", r.Mode)
	}
	for _, ep := range r.ErrorPages {
		if ep.Code < 100 || ep.Code > 599 {
			return nubierr.Validationf("error page code %d out of range", ep.Code)
		}
	}
	return nil
}

// materializeRoute writes the default-route fragment and its HTML bodies, or
// withdraws the fragment when the route is disabled.
func (o *Orchestrator) materializeRoute(r *store.DefaultRoute) error {
	if !r.Enabled {
		return o.files.Withdraw(render.DefaultRouteName)
	}

	var codes []int
	for _, ep := range r.ErrorPages {
		name := fmt.Sprintf("nubi_error_%d.html", ep.Code)
		if err := o.files.WriteHTML(name, []byte(ep.CustomHTML)); err != nil {
			return nubierr.Transientf(err, "failed to write error page %d", ep.Code)
		}
		codes = append(codes, ep.Code)
	}
	if r.Mode == store.ModeCustomPage {
		if err := o.files.WriteHTML(defaultPageName, []byte(r.CustomHTML)); err != nil {
			return nubierr.Transientf(err, "failed to write default page")
		}
	}

	content := o.render.DefaultRoute(render.DefaultRouteView{
		Mode:        string(r.Mode),
		Target:      r.Target,
		RedirectURL: r.RedirectURL,
		ErrorCode:   r.ErrorCode,
		ErrorPages:  codes,
	})
	if err := o.files.Materialize(render.DefaultRouteName, content, true); err != nil {
		return nubierr.Transientf(err, "failed to write default route config")
	}
	return nil
}

// SetDefaultRoute stages and commits a new default route.
func (o *Orchestrator) SetDefaultRoute(ctx context.Context, r *store.DefaultRoute) (*store.DefaultRoute, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := validateRoute(r); err != nil {
		return nil, err
	}
	staged := r.Clone()

	err := o.barrier(ctx,
		[]string{render.DefaultRouteName},
		func() error { return o.materializeRoute(staged) },
		func() error { return o.store.SetDefaultRoute(staged) },
	)
	if err != nil && !committed(err) {
		return nil, err
	}
	o.log.Info("default route changed", zap.String("mode", string(staged.Mode)))
	return staged.Clone(), err
}

// DisableDefaultRoute withdraws the default_server block.
func (o *Orchestrator) DisableDefaultRoute(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	staged := o.store.DefaultRoute()
	staged.Enabled = false

	err := o.barrier(ctx,
		[]string{render.DefaultRouteName},
		func() error { return o.materializeRoute(staged) },
		func() error { return o.store.SetDefaultRoute(staged) },
	)
	if err != nil && !committed(err) {
		return err
	}
	o.log.Info("default route disabled")
	return err
}

// SetMaintenance enables or disables global maintenance. Enabling backs up
// the current default route and replaces it with the maintenance page;
// disabling restores the backed-up route. Repeated enables keep the original
// backup, so the pre-maintenance route always survives.
func (o *Orchestrator) SetMaintenance(ctx context.Context, enabled bool, message string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if enabled {
		staged := &store.DefaultRoute{
			Enabled:    true,
			Mode:       store.ModeCustomPage,
			CustomHTML: string(render.MaintenancePage(message)),
		}
		// The backup write happens in the commit callback, after nginx
		// accepted the staged fragment, so a rejected enable leaves the
		// backup slot untouched.
		err := o.barrier(ctx,
			[]string{render.DefaultRouteName},
			func() error { return o.materializeRoute(staged) },
			func() error {
				if err := o.store.BackupDefaultRoute(); err != nil {
					return err
				}
				if err := o.store.SetDefaultRoute(staged); err != nil {
					return err
				}
				return o.store.SetMaintenanceState(store.Maintenance{Enabled: true, Message: message})
			},
		)
		if err != nil && !committed(err) {
			return err
		}
		o.log.Info("global maintenance enabled")
		o.emitMaintenance(true, message)
		return err
	}

	// Stage from a peek of the backup; the slot is only popped in the commit
	// callback so a failed validation keeps both the backup and the active
	// maintenance route.
	staged := o.store.RouteBackup()
	if staged == nil {
		// Never backed up; keep whatever route is active.
		staged = o.store.DefaultRoute()
	}
	err := o.barrier(ctx,
		[]string{render.DefaultRouteName},
		func() error { return o.materializeRoute(staged) },
		func() error {
			if _, err := o.store.RestoreDefaultRoute(); err != nil {
				return err
			}
			return o.store.SetMaintenanceState(store.Maintenance{Enabled: false})
		},
	)
	if err != nil && !committed(err) {
		return err
	}
	o.log.Info("global maintenance disabled")
	o.emitMaintenance(false, "")
	return err
}
