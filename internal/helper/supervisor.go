package helper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/service"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

const osascriptBinary = "/usr/bin/osascript"

// SupervisorConfig describes where the helper comes from and where it goes.
type SupervisorConfig struct {
	Label        string
	SourceBinary string
	BinaryPath   string
	PlistPath    string
	ConfigFile   string // migrator config handed to the helper; may be empty
	TokenPath    string
	StartTimeout time.Duration
}

// Elevator runs a shell script as root after the user authorises it.
type Elevator func(ctx context.Context, script string) error

// Supervisor installs, checks and restarts the helper from the unprivileged
// side. Elevation happens once per install through the OS consent dialog.
type Supervisor struct {
	cfg       SupervisorConfig
	client    *Client
	launchctl *service.Launchctl
	elevate   Elevator
	clock     clock.Clock
	log       zerolog.Logger
}

func NewSupervisor(cfg SupervisorConfig, client *Client, launchctl *service.Launchctl, log zerolog.Logger) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	return &Supervisor{
		cfg:       cfg,
		client:    client,
		launchctl: launchctl,
		elevate:   osascriptElevate,
		clock:     clock.WallClock,
		log:       log,
	}
}

// WithElevator replaces the elevation mechanism.
func (s *Supervisor) WithElevator(e Elevator) *Supervisor {
	s.elevate = e
	return s
}

// WithClock replaces the clock used while waiting for the helper.
func (s *Supervisor) WithClock(c clock.Clock) *Supervisor {
	s.clock = c
	return s
}

// Status reports the launchd job state.
func (s *Supervisor) Status(ctx context.Context) (*service.ServiceStatus, error) {
	return s.launchctl.Status(ctx, service.ServiceConfig{Label: s.cfg.Label, PlistPath: s.cfg.PlistPath})
}

// EnsureRunning verifies the helper answers with the expected version and
// installs it otherwise.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	v, err := s.client.Version(ctx)
	if err == nil {
		s.log.Debug().Str("version", v).Msg("Helper is running")
		return nil
	}
	if !models.IsPrivilegeError(err) {
		return err
	}

	s.log.Info().Err(err).Msg("Helper not usable, installing")
	return s.Install(ctx)
}

// Recover reinstalls and restarts the helper.
func (s *Supervisor) Recover(ctx context.Context) error {
	return s.Install(ctx)
}

// Install copies the helper binary into place, registers it with launchd
// under a fresh token and waits for it to answer.
func (s *Supervisor) Install(ctx context.Context) error {
	if !service.IsDarwin() {
		return fmt.Errorf("helper installation only supported on macOS")
	}
	if _, err := os.Stat(s.cfg.SourceBinary); err != nil {
		return fmt.Errorf("helper binary not found: %w", err)
	}

	staging, err := os.MkdirTemp("", "mdm-migrate-install-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	hashPath := filepath.Join(staging, "helper.token.hash")
	if _, err := services.WriteTokenPair(s.cfg.TokenPath, hashPath); err != nil {
		return fmt.Errorf("failed to generate helper token: %w", err)
	}

	scriptPath := filepath.Join(staging, "install.sh")
	if err := os.WriteFile(scriptPath, []byte(s.installScript(hashPath)), 0600); err != nil {
		return fmt.Errorf("failed to write install script: %w", err)
	}

	s.log.Info().Str("label", s.cfg.Label).Msg("Installing privileged helper")
	if err := s.elevate(ctx, scriptPath); err != nil {
		return err
	}

	return s.WaitReady(ctx)
}

// installScript is run as root by the elevator.
func (s *Supervisor) installScript(hashPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(filepath.Dir(s.cfg.BinaryPath)))
	fmt.Fprintf(&b, "install -m 0755 -o root -g wheel %s %s\n", shellQuote(s.cfg.SourceBinary), shellQuote(s.cfg.BinaryPath))

	args := []string{shellQuote(s.cfg.BinaryPath), "install", "-token-hash", shellQuote(hashPath)}
	if s.cfg.ConfigFile != "" {
		args = append(args, "-config", shellQuote(s.cfg.ConfigFile))
	}
	fmt.Fprintf(&b, "exec %s\n", strings.Join(args, " "))
	return b.String()
}

// WaitReady polls the helper until it reports the expected version.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.client.Invalidate()

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := s.client.Version(ctx)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, models.ErrHelperVersionMismatch)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("Waiting for helper")
		},
		Delay:       500 * time.Millisecond,
		MaxDuration: s.cfg.StartTimeout,
		Clock:       s.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		s.log.Info().Msg("Privileged helper is ready")
		return nil
	}

	if errors.Is(err, models.ErrHelperVersionMismatch) {
		return err
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("helper did not start: %w", lastErr)
}

// osascriptElevate runs script through the administrator privileges dialog.
func osascriptElevate(ctx context.Context, script string) error {
	source := fmt.Sprintf(`do shell script "/bin/sh %s" with administrator privileges`, appleScriptQuote(shellQuote(script)))

	// #nosec G204 - script path is generated by the supervisor
	cmd := exec.CommandContext(ctx, osascriptBinary, "-e", source)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	out := strings.TrimSpace(string(output))
	// -128 is errAEEventNotPermitted: the user dismissed the dialog.
	if strings.Contains(out, "-128") || strings.Contains(out, "User canceled") {
		return fmt.Errorf("%w: %w", models.ErrNoPrivileges, models.ErrCancelled)
	}
	return fmt.Errorf("%w: %s", models.ErrNoPrivileges, out)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func appleScriptQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
