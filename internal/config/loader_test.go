package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
server:
  addr: ":9090"
  static_dir: /opt/nubi/ui

nginx:
  binary: /usr/sbin/nginx
  available_dir: /etc/nginx/sites-available
  enabled_dir: /etc/nginx/sites-enabled

telemetry:
  interval: 10s
  interface: ens3
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Nginx.Binary != "/usr/sbin/nginx" {
		t.Errorf("expected binary /usr/sbin/nginx, got %s", cfg.Nginx.Binary)
	}
	if cfg.Telemetry.Interval != 10*time.Second {
		t.Errorf("expected interval 10s, got %v", cfg.Telemetry.Interval)
	}
	if cfg.Telemetry.Interface != "ens3" {
		t.Errorf("expected interface ens3, got %s", cfg.Telemetry.Interface)
	}

	// Unset sections keep defaults.
	if cfg.Data.Dir != "/var/lib/nubi" {
		t.Errorf("expected default data dir, got %s", cfg.Data.Dir)
	}
	if cfg.Nginx.StubStatusURL != "http://127.0.0.1:80/.nubi/status" {
		t.Errorf("expected default stub status URL, got %s", cfg.Nginx.StubStatusURL)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("NUBI_TEST_DATA_DIR", "/srv/nubi-data")

	yaml := `
data:
  dir: ${NUBI_TEST_DATA_DIR}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Data.Dir != "/srv/nubi-data" {
		t.Errorf("env var not expanded, got %s", cfg.Data.Dir)
	}
}

func TestLoaderUnsetEnvLeftAlone(t *testing.T) {
	yaml := `
logging:
  file: ${NUBI_DEFINITELY_UNSET_VAR}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !strings.Contains(cfg.Logging.File, "${NUBI_DEFINITELY_UNSET_VAR}") {
		t.Errorf("unset variable should remain literal, got %s", cfg.Logging.File)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, false},
		{"empty binary", func(c *Config) { c.Nginx.Binary = "" }, false},
		{"same dirs", func(c *Config) { c.Nginx.EnabledDir = c.Nginx.AvailableDir }, false},
		{"zero interval", func(c *Config) { c.Telemetry.Interval = 0 }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, false},
		{"warn level", func(c *Config) { c.Logging.Level = "warn" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestHTMLAndCertsDirs(t *testing.T) {
	d := DataConfig{Dir: "/var/lib/nubi"}
	if d.HTMLDir() != "/var/lib/nubi/html" {
		t.Errorf("HTMLDir = %s", d.HTMLDir())
	}
	if d.CertsDir() != "/var/lib/nubi/certs" {
		t.Errorf("CertsDir = %s", d.CertsDir())
	}
}
