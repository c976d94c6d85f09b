// Package nginxctl supervises the nginx child process: config validation,
// reloads, version probing, stub-status scraping and /proc readers.
package nginxctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const cmdTimeout = 5 * time.Second

// Controller is a thin wrapper around the nginx binary.
type Controller struct {
	binary  string
	pidFile string
}

// NewController returns a Controller, falling back to looking nginx up on
// PATH when binary is empty.
func NewController(binary, pidFile string) *Controller {
	if strings.TrimSpace(binary) == "" {
		binary = "nginx"
	}
	if pidFile == "" {
		pidFile = "/run/nginx.pid"
	}
	return &Controller{binary: binary, pidFile: pidFile}
}

// Status summarizes nginx health for the status endpoint.
type Status struct {
	Running     bool   `json:"running"`
	ConfigTest  string `json:"configTest"`
	ConfigValid bool   `json:"configValid"`
	Version     string `json:"version"`
}

// run executes the binary with a hard deadline, returning the combined
// output even on failure so callers can surface nginx's own diagnostics.
func (c *Controller) run(ctx context.Context, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()

	result := strings.TrimSpace(string(output))
	if err != nil {
		if result == "" {
			return result, fmt.Errorf("nginx command failed: %w", err)
		}
		return result, fmt.Errorf("nginx command failed: %w", errors.New(result))
	}
	return result, nil
}

// Validate runs `nginx -t` and returns the raw output.
func (c *Controller) Validate(ctx context.Context) (string, error) {
	return c.run(ctx, "-t")
}

// Reload asks nginx to reload its configuration.
func (c *Controller) Reload(ctx context.Context) error {
	_, err := c.run(ctx, "-s", "reload")
	return err
}

// Version returns the nginx version string (`nginx -v` prints to stderr).
func (c *Controller) Version(ctx context.Context) (string, error) {
	return c.run(ctx, "-v")
}

// Probe reports whether the nginx master process is alive, judged by the
// pidfile rather than by parsing -t output.
func (c *Controller) Probe() bool {
	data, err := os.ReadFile(c.pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// CollectStatus aggregates probe, config test and version into one record.
// The config-test error is folded into the record rather than returned: a
// broken config is a state to report, not a failure to collect.
func (c *Controller) CollectStatus(ctx context.Context) *Status {
	configOut, configErr := c.Validate(ctx)
	versionOut, _ := c.Version(ctx)

	return &Status{
		Running:     c.Probe(),
		ConfigTest:  configOut,
		ConfigValid: configErr == nil,
		Version:     versionOut,
	}
}
