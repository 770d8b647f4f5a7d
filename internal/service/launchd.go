// Package service manages the helper's launchd job.
package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"text/template"

	"github.com/pandeptwidyaop/mdm-migrate/internal/assets"
)

const launchctlBinary = "/bin/launchctl"

// ServiceStatus represents the status of the launchd job.
type ServiceStatus struct {
	IsInstalled bool   `json:"is_installed"`
	IsLoaded    bool   `json:"is_loaded"`
	IsRunning   bool   `json:"is_running"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
}

// ServiceConfig holds configuration for the launch daemon plist.
type ServiceConfig struct {
	Label      string
	ExecPath   string
	ConfigPath string
	LogPath    string
	PlistPath  string
}

var (
	stateRe = regexp.MustCompile(`(?m)^\s*state = (\S+)`)
	pidRe   = regexp.MustCompile(`(?m)^\s*pid = (\d+)`)
)

// IsDarwin returns true if running on macOS.
func IsDarwin() bool {
	return runtime.GOOS == "darwin"
}

// IsRoot checks if running as root user.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// GeneratePlist renders the launch daemon plist.
func GeneratePlist(cfg ServiceConfig) (string, error) {
	tmpl, err := template.New("plist").Parse(assets.LaunchdTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse plist template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("failed to execute plist template: %w", err)
	}

	return buf.String(), nil
}

// Launchctl runs launchctl against the system domain.
type Launchctl struct {
	run func(ctx context.Context, args ...string) (string, error)
}

func NewLaunchctl() *Launchctl {
	return &Launchctl{run: runLaunchctl}
}

// Target returns the launchctl service target for label.
func Target(label string) string {
	return "system/" + label
}

// Status returns the current job status. A job that launchctl does not know
// about is reported as not loaded, not as an error.
func (l *Launchctl) Status(ctx context.Context, cfg ServiceConfig) (*ServiceStatus, error) {
	status := &ServiceStatus{}

	if cfg.PlistPath != "" {
		if _, err := os.Stat(cfg.PlistPath); err == nil {
			status.IsInstalled = true
		}
	}

	output, err := l.run(ctx, "print", Target(cfg.Label))
	if err != nil {
		return status, nil
	}
	return parsePrint(status, output), nil
}

// IsLoaded reports whether label is registered with launchd.
func (l *Launchctl) IsLoaded(ctx context.Context, label string) bool {
	_, err := l.run(ctx, "print", Target(label))
	return err == nil
}

// Restart kills and restarts the job. Requires root.
func (l *Launchctl) Restart(ctx context.Context, label string) error {
	_, err := l.run(ctx, "kickstart", "-k", Target(label))
	return err
}

// Bootstrap loads the plist into the system domain. Requires root.
func (l *Launchctl) Bootstrap(ctx context.Context, plistPath string) error {
	_, err := l.run(ctx, "bootstrap", "system", plistPath)
	return err
}

// Install writes the plist, reloads the job and starts it. Requires root.
func (l *Launchctl) Install(ctx context.Context, cfg ServiceConfig) error {
	if !IsDarwin() {
		return fmt.Errorf("service installation only supported on macOS")
	}

	if !IsRoot() {
		return fmt.Errorf("root privileges required for service installation")
	}

	content, err := GeneratePlist(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(cfg.PlistPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write plist: %w", err)
	}

	// A previous version may still be loaded.
	_, _ = l.run(ctx, "bootout", Target(cfg.Label))

	if err := l.Bootstrap(ctx, cfg.PlistPath); err != nil {
		return fmt.Errorf("failed to load service: %w", err)
	}

	if err := l.Restart(ctx, cfg.Label); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	return nil
}

// Uninstall unloads the job and removes its plist. Requires root.
func (l *Launchctl) Uninstall(ctx context.Context, cfg ServiceConfig) error {
	if !IsRoot() {
		return fmt.Errorf("root privileges required for service uninstallation")
	}

	// Not loaded is fine.
	_, _ = l.run(ctx, "bootout", Target(cfg.Label))

	if err := os.Remove(cfg.PlistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist: %w", err)
	}
	return nil
}

func parsePrint(status *ServiceStatus, output string) *ServiceStatus {
	status.IsLoaded = true
	if m := stateRe.FindStringSubmatch(output); m != nil {
		status.State = m[1]
		status.IsRunning = m[1] == "running"
	}
	if m := pidRe.FindStringSubmatch(output); m != nil {
		status.PID, _ = strconv.Atoi(m[1])
	}
	return status
}

// runLaunchctl executes a launchctl command.
func runLaunchctl(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, launchctlBinary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("launchctl %s: %s: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
