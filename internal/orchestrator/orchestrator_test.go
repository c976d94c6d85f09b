package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/nginxctl"
	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/reconcile"
	"github.com/nubi-sh/nubi/internal/render"
	"github.com/nubi-sh/nubi/internal/store"
)

// The fake nginx logs every invocation and fails -t or -s reload when the
// corresponding marker file exists next to the binary.
const fakeNginxScript = `#!/bin/sh
dir=$(dirname "$0")
echo "$@" >> "$dir/calls.log"
case "$1" in
  -t)
    if [ -f "$dir/fail_validate" ]; then
      echo 'nginx: [emerg] unknown directive "bogus" in sites-enabled/x.conf:3' >&2
      exit 1
    fi
    echo 'nginx: configuration file /etc/nginx/nginx.conf test is successful' >&2
    ;;
  -s)
    if [ -f "$dir/fail_reload" ]; then
      echo 'nginx: [error] invalid PID number' >&2
      exit 1
    fi
    ;;
  -v)
    echo 'nginx version: nginx/1.24.0' >&2
    ;;
esac
exit 0
`

type harness struct {
	orc     *Orchestrator
	store   *store.Store
	files   *reconcile.Reconciler
	binDir  string
	emitted *fakeEmitter
}

type fakeEmitter struct {
	statusCount      int
	maintenanceCount int
	lastMaintenance  bool
}

func (f *fakeEmitter) EmitNginxStatus() { f.statusCount++ }
func (f *fakeEmitter) EmitMaintenance(enabled bool, _ string) {
	f.maintenanceCount++
	f.lastMaintenance = enabled
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()

	binDir := filepath.Join(base, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(binDir, "nginx")
	if err := os.WriteFile(bin, []byte(fakeNginxScript), 0o755); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(filepath.Join(base, "data"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	htmlDir := filepath.Join(base, "html")
	files := reconcile.New(
		filepath.Join(base, "sites-available"),
		filepath.Join(base, "sites-enabled"),
		htmlDir,
	)
	orc := New(st, render.New(htmlDir), files, nginxctl.NewController(bin, filepath.Join(base, "nginx.pid")), nil, zap.NewNop())

	emitted := &fakeEmitter{}
	orc.SetEmitter(emitted)

	return &harness{orc: orc, store: st, files: files, binDir: binDir, emitted: emitted}
}

func (h *harness) setMarker(t *testing.T, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.binDir, name), nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) clearMarker(t *testing.T, name string) {
	t.Helper()
	os.Remove(filepath.Join(h.binDir, name))
}

func (h *harness) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.binDir, "calls.log"))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func simpleHost(domain string) *store.ProxyHost {
	return &store.ProxyHost{
		Domain:  domain,
		Target:  "http://127.0.0.1:3000",
		Enabled: true,
	}
}

func TestCreateHost(t *testing.T) {
	h := newHarness(t)

	created, err := h.orc.CreateHost(context.Background(), simpleHost("api.example.com"))
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if created.ID == "" {
		t.Error("created host has no id")
	}

	name := render.Filename("api.example.com")
	content, err := os.ReadFile(h.files.AvailablePath(name))
	if err != nil {
		t.Fatalf("fragment not written: %v", err)
	}
	if !strings.Contains(string(content), "server_name api.example.com;") {
		t.Errorf("fragment content wrong:\n%s", content)
	}
	if _, err := os.Lstat(h.files.EnabledPath(name)); err != nil {
		t.Error("enabled symlink missing")
	}
	if _, err := h.store.GetHost(created.ID); err != nil {
		t.Errorf("host not committed to store: %v", err)
	}
	if h.emitted.statusCount != 1 {
		t.Errorf("emitter called %d times, want 1", h.emitted.statusCount)
	}
}

func TestCreateHostValidationFailsEarly(t *testing.T) {
	h := newHarness(t)

	_, err := h.orc.CreateHost(context.Background(), simpleHost("not a domain"))
	if nubierr.KindOf(err) != nubierr.KindValidation {
		t.Fatalf("kind = %v, want validation", nubierr.KindOf(err))
	}
	// Nothing staged, validated or reloaded.
	if calls := h.calls(t); len(calls) != 0 {
		t.Errorf("nginx should not have been invoked, got %v", calls)
	}
}

func TestCreateHostRollbackOnInvalidConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orc.CreateHost(ctx, simpleHost("a.example.com")); err != nil {
		t.Fatal(err)
	}
	callsBefore := len(h.calls(t))
	statusBefore := h.emitted.statusCount

	h.setMarker(t, "fail_validate")
	_, err := h.orc.CreateHost(ctx, simpleHost("b.example.com"))

	e, ok := nubierr.As(err)
	if !ok || e.Kind != nubierr.KindConfigInvalid {
		t.Fatalf("kind = %v, want config_invalid", nubierr.KindOf(err))
	}
	if !strings.Contains(e.Detail, "unknown directive") {
		t.Errorf("diagnostic not carried: %q", e.Detail)
	}

	// Fragment rolled back, store untouched, no reload attempted.
	if _, err := os.Stat(h.files.AvailablePath(render.Filename("b.example.com"))); !os.IsNotExist(err) {
		t.Error("rejected fragment left on disk")
	}
	if got := h.store.GetHostByDomain("b.example.com"); got != nil {
		t.Error("rejected host committed to store")
	}
	for _, call := range h.calls(t)[callsBefore:] {
		if strings.HasPrefix(call, "-s") {
			t.Error("reload attempted after failed validation")
		}
	}
	if h.emitted.statusCount != statusBefore {
		t.Error("event emitted for a rejected change")
	}

	// The surviving fragment is still intact.
	if _, err := os.Stat(h.files.AvailablePath(render.Filename("a.example.com"))); err != nil {
		t.Error("pre-existing fragment damaged by rollback")
	}
}

func TestCreateHostReloadFailureCommits(t *testing.T) {
	h := newHarness(t)
	h.setMarker(t, "fail_reload")

	created, err := h.orc.CreateHost(context.Background(), simpleHost("c.example.com"))
	if nubierr.KindOf(err) != nubierr.KindReloadFailed {
		t.Fatalf("kind = %v, want reload_failed", nubierr.KindOf(err))
	}
	// Committed despite the failed reload.
	if created == nil || created.ID == "" {
		t.Fatal("host not returned on reload failure")
	}
	if _, err := h.store.GetHost(created.ID); err != nil {
		t.Error("host not committed on reload failure")
	}
	if _, err := os.Stat(h.files.AvailablePath(render.Filename("c.example.com"))); err != nil {
		t.Error("fragment missing on reload failure")
	}
}

func TestUpdateHostDomainRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("old.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	updated := simpleHost("new.example.com")
	if _, err := h.orc.UpdateHost(ctx, created.ID, updated); err != nil {
		t.Fatalf("UpdateHost: %v", err)
	}

	if _, err := os.Stat(h.files.AvailablePath(render.Filename("old.example.com"))); !os.IsNotExist(err) {
		t.Error("old fragment not withdrawn after rename")
	}
	if _, err := os.Stat(h.files.AvailablePath(render.Filename("new.example.com"))); err != nil {
		t.Error("new fragment not written after rename")
	}
	got, err := h.store.GetHost(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Domain != "new.example.com" {
		t.Errorf("domain = %q", got.Domain)
	}
}

func TestUpdateHostRenameRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("keep.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	prior, err := os.ReadFile(h.files.AvailablePath(render.Filename("keep.example.com")))
	if err != nil {
		t.Fatal(err)
	}

	h.setMarker(t, "fail_validate")
	_, err = h.orc.UpdateHost(ctx, created.ID, simpleHost("moved.example.com"))
	if nubierr.KindOf(err) != nubierr.KindConfigInvalid {
		t.Fatalf("kind = %v, want config_invalid", nubierr.KindOf(err))
	}

	restored, err := os.ReadFile(h.files.AvailablePath(render.Filename("keep.example.com")))
	if err != nil {
		t.Fatalf("old fragment not restored: %v", err)
	}
	if string(restored) != string(prior) {
		t.Error("restored fragment differs from prior bytes")
	}
	if _, err := os.Stat(h.files.AvailablePath(render.Filename("moved.example.com"))); !os.IsNotExist(err) {
		t.Error("rejected rename left new fragment on disk")
	}
	got, _ := h.store.GetHost(created.ID)
	if got.Domain != "keep.example.com" {
		t.Errorf("store domain = %q after rollback", got.Domain)
	}
}

func TestDeleteHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("gone.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.orc.DeleteHost(ctx, created.ID); err != nil {
		t.Fatalf("DeleteHost: %v", err)
	}

	if _, err := os.Stat(h.files.AvailablePath(render.Filename("gone.example.com"))); !os.IsNotExist(err) {
		t.Error("fragment not withdrawn")
	}
	if _, err := h.store.GetHost(created.ID); nubierr.KindOf(err) != nubierr.KindNotFound {
		t.Error("host still in store")
	}
}

func TestToggleHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("t.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.orc.ToggleHost(ctx, created.ID, false); err != nil {
		t.Fatalf("ToggleHost: %v", err)
	}

	name := render.Filename("t.example.com")
	if _, err := os.Lstat(h.files.EnabledPath(name)); !os.IsNotExist(err) {
		t.Error("symlink remains for disabled host")
	}
	if _, err := os.Stat(h.files.AvailablePath(name)); err != nil {
		t.Error("available fragment removed on disable")
	}
	got, _ := h.store.GetHost(created.ID)
	if got.Enabled {
		t.Error("store still reports enabled")
	}
}

func TestSetHostMaintenance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("m.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.orc.SetHostMaintenance(ctx, created.ID, true); err != nil {
		t.Fatalf("SetHostMaintenance: %v", err)
	}

	content, err := os.ReadFile(h.files.AvailablePath(render.Filename("m.example.com")))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "return 503;") {
		t.Errorf("maintenance fragment missing 503 block:\n%s", content)
	}
}

func TestApplyCertificate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("tls.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	cert, err := h.store.CreateCertificate(&store.Certificate{
		Name:    "tls",
		Domains: []string{"tls.example.com"},
		Type:    store.CertUploaded,
	}, []byte("cert"), []byte("key"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.orc.ApplyCertificate(ctx, cert.ID, []string{created.ID}); err != nil {
		t.Fatalf("ApplyCertificate: %v", err)
	}

	content, err := os.ReadFile(h.files.AvailablePath(render.Filename("tls.example.com")))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "listen 443 ssl http2;") {
		t.Errorf("re-rendered fragment lacks TLS listener:\n%s", content)
	}
	if !strings.Contains(string(content), cert.ID+".crt") {
		t.Errorf("fragment does not reference the bound certificate:\n%s", content)
	}
	got, _ := h.store.GetHost(created.ID)
	if got.CertificateID != cert.ID || !got.SSL {
		t.Errorf("binding not committed: %+v", got)
	}
}

func TestSetDefaultRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	route := &store.DefaultRoute{
		Enabled:   true,
		Mode:      store.ModeErrorCode,
		ErrorCode: 444,
	}
	if _, err := h.orc.SetDefaultRoute(ctx, route); err != nil {
		t.Fatalf("SetDefaultRoute: %v", err)
	}

	content, err := os.ReadFile(h.files.AvailablePath(render.DefaultRouteName))
	if err != nil {
		t.Fatalf("default route fragment not written: %v", err)
	}
	if !strings.Contains(string(content), "return 444;") {
		t.Errorf("fragment content wrong:\n%s", content)
	}

	if _, err := h.orc.SetDefaultRoute(ctx, &store.DefaultRoute{Enabled: true, Mode: "bogus"}); nubierr.KindOf(err) != nubierr.KindValidation {
		t.Error("bogus mode should be rejected")
	}
}

func TestGlobalMaintenanceRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prior := &store.DefaultRoute{Enabled: true, Mode: store.ModeRedirect, RedirectURL: "https://status.example.com"}
	if _, err := h.orc.SetDefaultRoute(ctx, prior); err != nil {
		t.Fatal(err)
	}

	if err := h.orc.SetMaintenance(ctx, true, "Back soon"); err != nil {
		t.Fatalf("enable maintenance: %v", err)
	}
	content, _ := os.ReadFile(h.files.AvailablePath(render.DefaultRouteName))
	if !strings.Contains(string(content), "try_files /nubi_default.html") {
		t.Errorf("maintenance route not active:\n%s", content)
	}
	if !h.store.MaintenanceState().Enabled {
		t.Error("maintenance state not persisted")
	}
	if !h.emitted.lastMaintenance {
		t.Error("maintenance event not emitted")
	}

	// A second enable must not clobber the real backup.
	if err := h.orc.SetMaintenance(ctx, true, "Still down"); err != nil {
		t.Fatal(err)
	}

	if err := h.orc.SetMaintenance(ctx, false, ""); err != nil {
		t.Fatalf("disable maintenance: %v", err)
	}
	restored := h.store.DefaultRoute()
	if restored.Mode != store.ModeRedirect || restored.RedirectURL != "https://status.example.com" {
		t.Errorf("pre-maintenance route not restored: %+v", restored)
	}
	if h.store.MaintenanceState().Enabled {
		t.Error("maintenance state still enabled")
	}
	if h.emitted.lastMaintenance {
		t.Error("maintenance disable event not emitted")
	}
}

func TestMaintenanceEnableRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prior := &store.DefaultRoute{Enabled: true, Mode: store.ModeRedirect, RedirectURL: "https://status.example.com"}
	if _, err := h.orc.SetDefaultRoute(ctx, prior); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(h.files.AvailablePath(render.DefaultRouteName))

	h.setMarker(t, "fail_validate")
	err := h.orc.SetMaintenance(ctx, true, "Back soon")
	if nubierr.KindOf(err) != nubierr.KindConfigInvalid {
		t.Fatalf("enable with broken config: err = %v", err)
	}

	if h.store.MaintenanceState().Enabled {
		t.Error("maintenance state committed despite failed validation")
	}
	if h.store.RouteBackup() != nil {
		t.Error("backup slot written despite failed validation")
	}
	if got := h.store.DefaultRoute(); got.Mode != store.ModeRedirect {
		t.Errorf("active route mode = %q, want redirect", got.Mode)
	}
	after, _ := os.ReadFile(h.files.AvailablePath(render.DefaultRouteName))
	if string(after) != string(before) {
		t.Error("fragment not restored after failed enable")
	}
}

func TestMaintenanceDisableRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prior := &store.DefaultRoute{Enabled: true, Mode: store.ModeRedirect, RedirectURL: "https://status.example.com"}
	if _, err := h.orc.SetDefaultRoute(ctx, prior); err != nil {
		t.Fatal(err)
	}
	if err := h.orc.SetMaintenance(ctx, true, "Back soon"); err != nil {
		t.Fatal(err)
	}

	h.setMarker(t, "fail_validate")
	err := h.orc.SetMaintenance(ctx, false, "")
	if nubierr.KindOf(err) != nubierr.KindConfigInvalid {
		t.Fatalf("disable with broken config: err = %v", err)
	}

	// Disk and store must still agree that maintenance is active.
	content, _ := os.ReadFile(h.files.AvailablePath(render.DefaultRouteName))
	if !strings.Contains(string(content), "try_files /nubi_default.html") {
		t.Errorf("maintenance fragment gone after failed disable:\n%s", content)
	}
	if got := h.store.DefaultRoute(); got.Mode != store.ModeCustomPage {
		t.Errorf("active route mode = %q, want custom_page", got.Mode)
	}
	if !h.store.MaintenanceState().Enabled {
		t.Error("maintenance state cleared despite failed validation")
	}
	backup := h.store.RouteBackup()
	if backup == nil || backup.Mode != store.ModeRedirect {
		t.Errorf("backup slot popped despite failed validation: %+v", backup)
	}

	// Once nginx accepts the config again the disable goes through whole.
	h.clearMarker(t, "fail_validate")
	if err := h.orc.SetMaintenance(ctx, false, ""); err != nil {
		t.Fatalf("disable after recovery: %v", err)
	}
	restored := h.store.DefaultRoute()
	if restored.Mode != store.ModeRedirect || restored.RedirectURL != "https://status.example.com" {
		t.Errorf("pre-maintenance route not restored: %+v", restored)
	}
	if h.store.RouteBackup() != nil {
		t.Error("backup slot not cleared after successful disable")
	}
	if h.store.MaintenanceState().Enabled {
		t.Error("maintenance state still enabled")
	}
}

func TestImportHosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orc.CreateHost(ctx, simpleHost("taken.example.com")); err != nil {
		t.Fatal(err)
	}

	result := h.orc.ImportHosts(ctx, []*store.ProxyHost{
		simpleHost("one.example.com"),
		simpleHost("taken.example.com"),
		simpleHost("bad domain"),
		simpleHost("two.example.com"),
	}, false)

	if result.Imported != 2 {
		t.Errorf("Imported = %d, want 2", result.Imported)
	}
	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", result.Skipped)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "bad domain") {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func TestImportHostsOverwrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original, err := h.orc.CreateHost(ctx, simpleHost("taken.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	incoming := simpleHost("taken.example.com")
	incoming.Target = "http://127.0.0.1:9999"
	result := h.orc.ImportHosts(ctx, []*store.ProxyHost{incoming}, true)

	if result.Imported != 1 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 1 imported", result)
	}
	got := h.store.GetHostByDomain("taken.example.com")
	if got == nil {
		t.Fatal("host missing after overwrite import")
	}
	if got.ID != original.ID {
		t.Errorf("ID = %q, want original %q preserved", got.ID, original.ID)
	}
	if got.Target != "http://127.0.0.1:9999" {
		t.Errorf("Target = %q, not overwritten", got.Target)
	}
}

func TestStartupBootstrapsDefaultRoute(t *testing.T) {
	h := newHarness(t)

	if err := h.orc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	r := h.store.DefaultRoute()
	if !r.Enabled || r.Mode != store.ModeNginxDefault {
		t.Errorf("default route after first boot = %+v", r)
	}
	if _, err := os.Stat(h.files.AvailablePath(render.DefaultRouteName)); err != nil {
		t.Error("default route fragment not written on first boot")
	}
	if _, err := os.Lstat(h.files.EnabledPath(render.DefaultRouteName)); err != nil {
		t.Error("default route symlink not created on first boot")
	}
}

func TestStartupRendersPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.orc.CreateHost(ctx, simpleHost("persisted.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an out-of-band wipe of the fragment tree.
	name := render.Filename("persisted.example.com")
	os.Remove(h.files.AvailablePath(name))
	os.Remove(h.files.EnabledPath(name))

	if err := h.orc.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	if _, err := os.Stat(h.files.AvailablePath(name)); err != nil {
		t.Error("fragment not re-rendered at startup")
	}
	if _, err := os.Lstat(h.files.EnabledPath(name)); err != nil {
		t.Error("symlink not re-created at startup")
	}
	if _, err := h.store.GetHost(created.ID); err != nil {
		t.Error("host lost across startup")
	}
}
