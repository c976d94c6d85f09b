// Package config holds the daemon configuration: where nginx lives, where
// state is persisted, and how the daemon itself is served.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Nginx     NginxConfig     `yaml:"nginx"`
	Data      DataConfig      `yaml:"data"`
	ACME      ACMEConfig      `yaml:"acme"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the operator-facing HTTP listener.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// NginxConfig locates the managed nginx deployment.
type NginxConfig struct {
	Binary        string `yaml:"binary"`
	AvailableDir  string `yaml:"available_dir"`
	EnabledDir    string `yaml:"enabled_dir"`
	PIDFile       string `yaml:"pid_file"`
	StubStatusURL string `yaml:"stub_status_url"`
	AccessLog     string `yaml:"access_log"`
}

// DataConfig locates persisted daemon state.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// HTMLDir is where custom page bodies are written.
func (d DataConfig) HTMLDir() string { return filepath.Join(d.Dir, "html") }

// CertsDir is where certificate materials are stored.
func (d DataConfig) CertsDir() string { return filepath.Join(d.Dir, "certs") }

// ACMEConfig configures certificate issuance.
type ACMEConfig struct {
	Email   string `yaml:"email"`
	Staging bool   `yaml:"staging"`
}

// TelemetryConfig configures the periodic status broadcast.
type TelemetryConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Interface string        `yaml:"interface"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Nginx: NginxConfig{
			Binary:        "nginx",
			AvailableDir:  "/etc/nginx/sites-available",
			EnabledDir:    "/etc/nginx/sites-enabled",
			PIDFile:       "/run/nginx.pid",
			StubStatusURL: "http://127.0.0.1:80/.nubi/status",
			AccessLog:     "/var/log/nginx/access.log",
		},
		Data: DataConfig{
			Dir: "/var/lib/nubi",
		},
		Telemetry: TelemetryConfig{
			Interval:  5 * time.Second,
			Interface: "eth0",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Nginx.Binary == "" {
		return fmt.Errorf("nginx.binary must not be empty")
	}
	if c.Nginx.AvailableDir == "" || c.Nginx.EnabledDir == "" {
		return fmt.Errorf("nginx.available_dir and nginx.enabled_dir must not be empty")
	}
	if c.Nginx.AvailableDir == c.Nginx.EnabledDir {
		return fmt.Errorf("nginx.available_dir and nginx.enabled_dir must differ")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must not be empty")
	}
	if c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be positive, got %v", c.Telemetry.Interval)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
