package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nubi-sh/nubi/internal/nubierr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testHost(domain string) *ProxyHost {
	now := time.Now()
	return &ProxyHost{
		ID:        uuid.New().String(),
		Domain:    domain,
		Target:    "http://127.0.0.1:3000",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		domain string
		ok     bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"*.example.com", true},
		{"a-b.example.com", true},
		{"xn--nxasmq6b.example", true},
		{"", false},
		{"localhost", false}, // needs at least one dot
		{"-bad.example.com", false},
		{"bad-.example.com", false},
		{"*.*.example.com", false},
		{"exa mple.com", false},
		{"example..com", false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if tt.ok && err != nil {
				t.Errorf("ValidateDomain(%q) = %v, want nil", tt.domain, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("ValidateDomain(%q) = nil, want error", tt.domain)
			}
		})
	}
}

func TestValidateHost(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name   string
		mutate func(*ProxyHost)
		kind   nubierr.Kind
	}{
		{"bad target scheme", func(h *ProxyHost) { h.Target = "ftp://x" }, nubierr.KindValidation},
		{"empty target", func(h *ProxyHost) { h.Target = "" }, nubierr.KindValidation},
		{"bad backend address", func(h *ProxyHost) {
			h.Backends = []Backend{{Address: "noport"}}
		}, nubierr.KindValidation},
		{"port out of range", func(h *ProxyHost) {
			h.Backends = []Backend{{Address: "10.0.0.1:70000"}}
		}, nubierr.KindValidation},
		{"bad lb method", func(h *ProxyHost) {
			h.Backends = []Backend{{Address: "10.0.0.1:80"}, {Address: "10.0.0.2:80"}}
			h.LBMethod = "fastest"
		}, nubierr.KindValidation},
		{"force ssl without ssl", func(h *ProxyHost) { h.ForceSSL = true }, nubierr.KindValidation},
		{"dangling certificate", func(h *ProxyHost) { h.CertificateID = "nope" }, nubierr.KindValidation},
		{"dangling tag", func(h *ProxyHost) { h.Tags = []string{"nope"} }, nubierr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHost("ok.example.com")
			tt.mutate(h)
			err := s.ValidateHost(h, "")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := nubierr.KindOf(err); got != tt.kind {
				t.Errorf("kind = %v, want %v", got, tt.kind)
			}
		})
	}

	if err := s.ValidateHost(testHost("good.example.com"), ""); err != nil {
		t.Errorf("valid host rejected: %v", err)
	}
}

func TestValidateHostNormalizesBackends(t *testing.T) {
	s := newTestStore(t)
	h := testHost("lb.example.com")
	h.Target = ""
	h.Backends = []Backend{{Address: "10.0.0.1:80"}, {Address: "10.0.0.2:80", Weight: 3}}

	if err := s.ValidateHost(h, ""); err != nil {
		t.Fatalf("ValidateHost: %v", err)
	}
	if h.Backends[0].Weight != 1 {
		t.Errorf("default weight not applied, got %d", h.Backends[0].Weight)
	}
	if h.LBMethod != LBRoundRobin {
		t.Errorf("default lb method not applied, got %q", h.LBMethod)
	}
}

func TestDomainUniqueness(t *testing.T) {
	s := newTestStore(t)

	a := testHost("a.example.com")
	if err := s.ValidateHost(a, ""); err != nil {
		t.Fatalf("validate a: %v", err)
	}
	if err := s.PutHost(a); err != nil {
		t.Fatalf("put a: %v", err)
	}

	dup := testHost("a.example.com")
	err := s.ValidateHost(dup, "")
	if nubierr.KindOf(err) != nubierr.KindConflict {
		t.Errorf("duplicate domain: kind = %v, want conflict", nubierr.KindOf(err))
	}

	// Updating a host to its own domain is not a conflict.
	if err := s.ValidateHost(a, a.ID); err != nil {
		t.Errorf("self-update flagged as conflict: %v", err)
	}

	// A disabled host still occupies its domain.
	a.Enabled = false
	if err := s.PutHost(a); err != nil {
		t.Fatalf("put disabled: %v", err)
	}
	if err := s.ValidateHost(dup, ""); nubierr.KindOf(err) != nubierr.KindConflict {
		t.Error("disabled host should still hold its domain")
	}
}

func TestPersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := testHost("persist.example.com")
	h.Backends = []Backend{{Address: "10.0.0.1:80", Weight: 2}, {Address: "10.0.0.2:80", Weight: 1, Backup: true}}
	h.LBMethod = LBLeastConn
	h.Target = ""
	if err := s.ValidateHost(h, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.PutHost(h); err != nil {
		t.Fatalf("put: %v", err)
	}

	reloaded, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.GetHost(h.ID)
	if err != nil {
		t.Fatalf("GetHost after reload: %v", err)
	}
	if got.Domain != h.Domain || got.LBMethod != LBLeastConn {
		t.Errorf("reloaded host differs: %+v", got)
	}
	if len(got.Backends) != 2 || got.Backends[0].Address != "10.0.0.1:80" || !got.Backends[1].Backup {
		t.Errorf("backend order or flags lost: %+v", got.Backends)
	}
}

func TestCorruptStateFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "proxy_hosts.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("corrupt file must not be fatal: %v", err)
	}
	if n := len(s.ListHosts()); n != 0 {
		t.Errorf("expected empty store, got %d hosts", n)
	}
}

func TestTagScrubOnDelete(t *testing.T) {
	s := newTestStore(t)

	tag, err := s.CreateTag("prod", "#ff0000")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}

	h := testHost("tagged.example.com")
	h.Tags = []string{tag.ID}
	if err := s.ValidateHost(h, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.PutHost(h); err != nil {
		t.Fatalf("put: %v", err)
	}

	cert, err := s.CreateCertificate(&Certificate{
		Name:    "tagged cert",
		Domains: []string{"tagged.example.com"},
		Type:    CertUploaded,
		Tags:    []string{tag.ID},
	}, []byte("CERT"), []byte("KEY"), nil)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	if err := s.DeleteTag(tag.ID); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}

	got, _ := s.GetHost(h.ID)
	for _, tid := range got.Tags {
		if tid == tag.ID {
			t.Error("deleted tag still on host")
		}
	}
	gotCert, _ := s.GetCertificate(cert.ID)
	for _, tid := range gotCert.Tags {
		if tid == tag.ID {
			t.Error("deleted tag still on certificate")
		}
	}
}

func TestTagNameUniqueness(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTag("prod", "#f00"); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateTag("prod", "#0f0")
	if nubierr.KindOf(err) != nubierr.KindConflict {
		t.Errorf("duplicate tag name: kind = %v, want conflict", nubierr.KindOf(err))
	}
}

func TestBulkTagIdempotent(t *testing.T) {
	s := newTestStore(t)
	tag, _ := s.CreateTag("blue", "#00f")
	h := testHost("bulk.example.com")
	if err := s.ValidateHost(h, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.PutHost(h); err != nil {
		t.Fatal(err)
	}

	res, err := s.BulkTag(tag.ID, true, []string{h.ID}, nil)
	if err != nil {
		t.Fatalf("BulkTag add: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("first add applied = %d, want 1", res.Applied)
	}

	// Duplicate add is a counted no-op, not an error.
	res, err = s.BulkTag(tag.ID, true, []string{h.ID}, nil)
	if err != nil {
		t.Fatalf("duplicate add errored: %v", err)
	}
	if res.Applied != 0 || res.NoOps != 1 {
		t.Errorf("duplicate add: %+v", res)
	}

	// Remove, then remove again.
	res, _ = s.BulkTag(tag.ID, false, []string{h.ID}, nil)
	if res.Applied != 1 {
		t.Errorf("remove applied = %d, want 1", res.Applied)
	}
	res, err = s.BulkTag(tag.ID, false, []string{h.ID}, nil)
	if err != nil || res.NoOps != 1 {
		t.Errorf("missing remove: res=%+v err=%v", res, err)
	}
}

func TestDeleteCertificateRefusedWhileBound(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.CreateCertificate(&Certificate{
		Name:    "bound",
		Domains: []string{"bound.example.com"},
		Type:    CertUploaded,
	}, []byte("CERT"), []byte("KEY"), nil)
	if err != nil {
		t.Fatal(err)
	}

	h := testHost("bound.example.com")
	h.SSL = true
	h.CertificateID = cert.ID
	if err := s.ValidateHost(h, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.PutHost(h); err != nil {
		t.Fatal(err)
	}

	err = s.DeleteCertificate(cert.ID)
	if nubierr.KindOf(err) != nubierr.KindConflict {
		t.Errorf("delete bound cert: kind = %v, want conflict", nubierr.KindOf(err))
	}

	if _, err := s.RemoveHost(h.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCertificate(cert.ID); err != nil {
		t.Errorf("delete unbound cert: %v", err)
	}
	if _, err := os.Stat(cert.CertPath); !os.IsNotExist(err) {
		t.Error("certificate file not removed")
	}
}

func TestRenewCertificatePreservesIDAndPaths(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.CreateCertificate(&Certificate{
		Name:      "renewme",
		Domains:   []string{"renew.example.com"},
		Type:      CertLetsEncrypt,
		AutoRenew: true,
		ExpiresAt: time.Now().Add(10 * 24 * time.Hour),
	}, []byte("OLD CERT"), []byte("OLD KEY"), []byte("OLD CHAIN"))
	if err != nil {
		t.Fatal(err)
	}

	newExpiry := time.Now().Add(90 * 24 * time.Hour)
	renewed, err := s.RenewCertificate(cert.ID, []byte("NEW CERT"), []byte("NEW KEY"), []byte("NEW CHAIN"), newExpiry)
	if err != nil {
		t.Fatalf("RenewCertificate: %v", err)
	}
	if renewed.ID != cert.ID {
		t.Error("renewal changed certificate id")
	}
	if renewed.CertPath != cert.CertPath {
		t.Error("renewal changed certificate path")
	}
	if renewed.ChainPath != cert.ChainPath {
		t.Error("renewal changed chain path")
	}
	if !renewed.ExpiresAt.Equal(newExpiry) {
		t.Error("expiry not advanced")
	}

	data, _ := os.ReadFile(renewed.CertPath)
	if string(data) != "NEW CERT" {
		t.Errorf("material not rewritten: %q", data)
	}
	chain, _ := os.ReadFile(renewed.ChainPath)
	if string(chain) != "NEW CHAIN" {
		t.Errorf("chain not rewritten: %q", chain)
	}
	info, _ := os.Stat(renewed.KeyPath)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestRenewCertificateAddsChain(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.CreateCertificate(&Certificate{
		Name:      "chainless",
		Domains:   []string{"chainless.example.com"},
		Type:      CertLetsEncrypt,
		ExpiresAt: time.Now().Add(10 * 24 * time.Hour),
	}, []byte("OLD CERT"), []byte("OLD KEY"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cert.ChainPath != "" {
		t.Fatalf("unexpected chain path on creation: %q", cert.ChainPath)
	}

	renewed, err := s.RenewCertificate(cert.ID, []byte("NEW CERT"), []byte("NEW KEY"), []byte("ISSUER"), time.Now().Add(90*24*time.Hour))
	if err != nil {
		t.Fatalf("RenewCertificate: %v", err)
	}
	if renewed.ChainPath == "" {
		t.Fatal("chain path not set by renewal")
	}
	chain, _ := os.ReadFile(renewed.ChainPath)
	if string(chain) != "ISSUER" {
		t.Errorf("chain content = %q", chain)
	}
}

func TestDefaultRouteBackupRestore(t *testing.T) {
	s := newTestStore(t)
	orig := &DefaultRoute{Enabled: true, Mode: ModeProxy, Target: "http://127.0.0.1:9000"}
	if err := s.SetDefaultRoute(orig); err != nil {
		t.Fatal(err)
	}

	if err := s.BackupDefaultRoute(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefaultRoute(&DefaultRoute{Enabled: true, Mode: ModeCustomPage, CustomHTML: "<h1>maint</h1>"}); err != nil {
		t.Fatal(err)
	}

	// A second backup while one exists must not clobber the original.
	if err := s.BackupDefaultRoute(); err != nil {
		t.Fatal(err)
	}

	restored, err := s.RestoreDefaultRoute()
	if err != nil {
		t.Fatalf("RestoreDefaultRoute: %v", err)
	}
	if restored == nil || restored.Mode != ModeProxy || restored.Target != orig.Target {
		t.Errorf("restored route = %+v, want original proxy route", restored)
	}

	// Backup slot is now empty.
	again, err := s.RestoreDefaultRoute()
	if err != nil || again != nil {
		t.Errorf("second restore should be a no-op, got %+v, %v", again, err)
	}
}

func TestMaintenanceStatePersists(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, nil)
	if err := s.SetMaintenanceState(Maintenance{Enabled: true, Message: "Be right back"}); err != nil {
		t.Fatal(err)
	}

	reloaded, _ := New(dir, nil)
	m := reloaded.MaintenanceState()
	if !m.Enabled || m.Message != "Be right back" {
		t.Errorf("maintenance state lost across restart: %+v", m)
	}
}
