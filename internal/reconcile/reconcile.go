// Package reconcile owns the on-disk fragment tree: one file per fragment
// under the available directory, a symlink under the enabled directory iff
// the entity is enabled. Writes are atomic (write-then-rename) because the
// tree is nginx's view of the world and must never be seen half-written.
package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Reconciler manages one nginx fragment tree plus the custom-HTML directory.
type Reconciler struct {
	availableDir string
	enabledDir   string
	htmlDir      string
}

// New builds a Reconciler over the given directories.
func New(availableDir, enabledDir, htmlDir string) *Reconciler {
	return &Reconciler{
		availableDir: availableDir,
		enabledDir:   enabledDir,
		htmlDir:      htmlDir,
	}
}

// AvailablePath returns the fragment path for a fragment name.
func (r *Reconciler) AvailablePath(name string) string {
	return filepath.Join(r.availableDir, name)
}

// EnabledPath returns the symlink path for a fragment name.
func (r *Reconciler) EnabledPath(name string) string {
	return filepath.Join(r.enabledDir, name)
}

// Materialize writes content to available/<name> atomically and creates or
// removes the enabled/<name> symlink according to enabled.
func (r *Reconciler) Materialize(name string, content []byte, enabled bool) error {
	if err := os.MkdirAll(r.availableDir, 0o755); err != nil {
		return fmt.Errorf("failed to create available dir: %w", err)
	}

	path := r.AvailablePath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to activate fragment: %w", err)
	}

	return r.setSymlink(name, enabled)
}

// setSymlink creates or removes the enabled symlink for name.
func (r *Reconciler) setSymlink(name string, enabled bool) error {
	link := r.EnabledPath(name)
	_ = os.Remove(link)

	if !enabled {
		return nil
	}
	if err := os.MkdirAll(r.enabledDir, 0o755); err != nil {
		return fmt.Errorf("failed to create enabled dir: %w", err)
	}
	if err := os.Symlink(r.AvailablePath(name), link); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	return nil
}

// Withdraw removes the symlink then the fragment. Missing files are not
// errors.
func (r *Reconciler) Withdraw(name string) error {
	if err := os.Remove(r.EnabledPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove symlink: %w", err)
	}
	if err := os.Remove(r.AvailablePath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove fragment: %w", err)
	}
	return nil
}

// Stash captures the current on-disk state of a fragment so the
// orchestrator can restore it bit-identically after a failed validation.
type Stash struct {
	name    string
	existed bool
	enabled bool
	content []byte
}

// Stash reads the fragment's current content and enablement.
func (r *Reconciler) Stash(name string) (*Stash, error) {
	st := &Stash{name: name}

	content, err := os.ReadFile(r.AvailablePath(name))
	switch {
	case err == nil:
		st.existed = true
		st.content = content
	case errors.Is(err, fs.ErrNotExist):
		return st, nil
	default:
		return nil, fmt.Errorf("failed to stash fragment: %w", err)
	}

	if _, err := os.Lstat(r.EnabledPath(name)); err == nil {
		st.enabled = true
	}
	return st, nil
}

// Restore puts the fragment back to the stashed state: rewrites the prior
// bytes, or withdraws the fragment if it did not previously exist.
func (st *Stash) Restore(r *Reconciler) error {
	if !st.existed {
		return r.Withdraw(st.name)
	}
	return r.Materialize(st.name, st.content, st.enabled)
}

// WriteHTML writes a custom page body under the html directory.
func (r *Reconciler) WriteHTML(name string, content []byte) error {
	if err := os.MkdirAll(r.htmlDir, 0o755); err != nil {
		return fmt.Errorf("failed to create html dir: %w", err)
	}
	return os.WriteFile(filepath.Join(r.htmlDir, name), content, 0o644)
}

// RemoveHTML removes a custom page body. Missing files are not errors.
func (r *Reconciler) RemoveHTML(name string) error {
	err := os.Remove(filepath.Join(r.htmlDir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
