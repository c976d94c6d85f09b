package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/render"
	"github.com/nubi-sh/nubi/internal/store"
)

// CreateHost validates, stages and commits a new proxy host.
func (o *Orchestrator) CreateHost(ctx context.Context, h *store.ProxyHost) (*store.ProxyHost, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	staged := h.Clone()
	if err := o.store.ValidateHost(staged, ""); err != nil {
		return nil, err
	}
	staged.ID = uuid.New().String()
	now := time.Now()
	staged.CreatedAt = now
	staged.UpdatedAt = now

	err := o.barrier(ctx,
		[]string{render.Filename(staged.Domain)},
		func() error { return o.materializeHost(staged) },
		func() error { return o.store.PutHost(staged) },
	)
	if err != nil && !committed(err) {
		return nil, err
	}
	o.log.Info("proxy host created",
		zap.String("id", staged.ID),
		zap.String("domain", staged.Domain))
	return staged.Clone(), err
}

// UpdateHost replaces an existing host's configuration. A domain rename
// withdraws the old fragment and materializes the new one inside the same
// barrier, so a rejected rename leaves both files as they were.
func (o *Orchestrator) UpdateHost(ctx context.Context, id string, h *store.ProxyHost) (*store.ProxyHost, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	existing, err := o.store.GetHost(id)
	if err != nil {
		return nil, err
	}

	staged := h.Clone()
	staged.ID = existing.ID
	staged.CreatedAt = existing.CreatedAt
	staged.UpdatedAt = time.Now()
	if err := o.store.ValidateHost(staged, id); err != nil {
		return nil, err
	}

	oldName := render.Filename(existing.Domain)
	newName := render.Filename(staged.Domain)
	names := []string{newName}
	if oldName != newName {
		names = append(names, oldName)
	}

	err = o.barrier(ctx, names,
		func() error {
			if oldName != newName {
				if err := o.files.Withdraw(oldName); err != nil {
					return err
				}
			}
			return o.materializeHost(staged)
		},
		func() error { return o.store.PutHost(staged) },
	)
	if err != nil && !committed(err) {
		return nil, err
	}
	o.log.Info("proxy host updated",
		zap.String("id", staged.ID),
		zap.String("domain", staged.Domain))
	return staged.Clone(), err
}

// DeleteHost withdraws a host's fragment and removes it from the store.
func (o *Orchestrator) DeleteHost(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	existing, err := o.store.GetHost(id)
	if err != nil {
		return err
	}

	err = o.barrier(ctx,
		[]string{render.Filename(existing.Domain)},
		func() error { return o.files.Withdraw(render.Filename(existing.Domain)) },
		func() error {
			_, err := o.store.RemoveHost(id)
			return err
		},
	)
	if err != nil && !committed(err) {
		return err
	}
	o.log.Info("proxy host deleted",
		zap.String("id", id),
		zap.String("domain", existing.Domain))
	return err
}

// ToggleHost flips a host's enabled flag, which is the fragment symlink.
func (o *Orchestrator) ToggleHost(ctx context.Context, id string, enabled bool) (*store.ProxyHost, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	staged, err := o.store.GetHost(id)
	if err != nil {
		return nil, err
	}
	staged.Enabled = enabled
	staged.UpdatedAt = time.Now()

	err = o.barrier(ctx,
		[]string{render.Filename(staged.Domain)},
		func() error { return o.materializeHost(staged) },
		func() error { return o.store.PutHost(staged) },
	)
	if err != nil && !committed(err) {
		return nil, err
	}
	o.log.Info("proxy host toggled",
		zap.String("id", id),
		zap.Bool("enabled", enabled))
	return staged.Clone(), err
}

// SetHostMaintenance switches one host between proxying and its 503 page.
func (o *Orchestrator) SetHostMaintenance(ctx context.Context, id string, enabled bool) (*store.ProxyHost, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	staged, err := o.store.GetHost(id)
	if err != nil {
		return nil, err
	}
	staged.Maintenance = enabled
	staged.UpdatedAt = time.Now()

	if enabled {
		if err := o.files.WriteHTML(maintenancePageName, render.MaintenancePage("")); err != nil {
			o.log.Warn("failed to write maintenance page", zap.Error(err))
		}
	}

	err = o.barrier(ctx,
		[]string{render.Filename(staged.Domain)},
		func() error { return o.materializeHost(staged) },
		func() error { return o.store.PutHost(staged) },
	)
	if err != nil && !committed(err) {
		return nil, err
	}
	o.log.Info("host maintenance changed",
		zap.String("id", id),
		zap.Bool("maintenance", enabled))
	return staged.Clone(), err
}
