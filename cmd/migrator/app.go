package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/config"
	"github.com/pandeptwidyaop/mdm-migrate/internal/detector"
	"github.com/pandeptwidyaop/mdm-migrate/internal/helper"
	"github.com/pandeptwidyaop/mdm-migrate/internal/lockfile"
	"github.com/pandeptwidyaop/mdm-migrate/internal/logger"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/orchestrator"
	"github.com/pandeptwidyaop/mdm-migrate/internal/portal"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
	"github.com/pandeptwidyaop/mdm-migrate/internal/service"
	"github.com/pandeptwidyaop/mdm-migrate/internal/sysinfo"
	"github.com/pandeptwidyaop/mdm-migrate/internal/vendorhandler"
)

const (
	helperBinaryName = "mdm-migrate-helper"

	// responseMargin lets the helper report its own timeout before the
	// client gives up on a request.
	responseMargin = 15 * time.Second
)

// options are the command line flags shared by every subcommand.
type options struct {
	configPath    string
	tenant        string
	filevaultOnly bool
	relaunched    bool
	assumeYes     bool
	rotateKey     bool
}

// app holds the wired collaborators of one migrator process.
type app struct {
	opts       options
	cfg        *config.Config
	log        zerolog.Logger
	closer     io.Closer
	registry   *registry.Registry
	target     models.VendorDefinition
	client     *helper.Client
	supervisor *helper.Supervisor
	channel    *helper.Channel
	lock       *lockfile.Lock
	inspector  *sysinfo.Inspector
	system     *helper.System
	detector   *detector.Detector
	orch       *orchestrator.Orchestrator
	console    *console
}

func newApp(opts options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config from %s: %v\n", opts.configPath, err)
		fmt.Fprintln(os.Stderr, "Using default configuration...")
		cfg, _ = config.Load("")
		opts.configPath = ""
	}
	if opts.tenant != "" {
		cfg.Migration.TenantName = opts.tenant
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, closer, err := logger.New(cfg.Logging, os.Stderr)
	if err != nil {
		// The log directory may not be writable before the helper exists.
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
		cfg.Logging.Dir = ""
		if log, closer, err = logger.New(cfg.Logging, os.Stderr); err != nil {
			return nil, fmt.Errorf("failed to initialise logging: %w", err)
		}
	}

	reg, err := registry.NewDefault()
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to load vendor catalog: %w", err)
	}
	for _, v := range cfg.Vendors {
		reg.RegisterVendor(v)
	}

	target, ok := reg.GetVendor(cfg.Migration.TargetVendor)
	if !ok {
		_ = closer.Close()
		return nil, fmt.Errorf("%w: target %s", models.ErrVendorNotFound, cfg.Migration.TargetVendor)
	}

	a := &app{
		opts:      opts,
		cfg:       cfg,
		log:       log,
		closer:    closer,
		registry:  reg,
		target:    target,
		lock:      lockfile.New(cfg.Migration.LockPath),
		inspector: sysinfo.New(),
		console:   newConsole(os.Stdin, os.Stdout),
	}
	a.wire()
	return a, nil
}

func (a *app) wire() {
	cfg := a.cfg
	launchctl := service.NewLaunchctl()

	command := max(cfg.Helper.GetCommandTimeout(), a.registry.LongestCommandTimeout())
	a.client = helper.NewClient(helper.ClientConfig{
		SocketPath:      cfg.Helper.SocketPath,
		TokenPath:       cfg.Helper.TokenFile(),
		ExpectedVersion: cfg.Helper.ExpectedVersion,
		Timeout:         cfg.Helper.GetRequestTimeout(),
		// Enrollment runs two helper commands back to back.
		CommandTimeout:  2*command + responseMargin,
		PortalTimeout:   portal.Budget + responseMargin,
		RotationTimeout: cfg.Helper.GetCommandTimeout() + cfg.FileVault.GetRotationTimeout() + responseMargin,
	}, logger.WithComponent(a.log, "helper-client"))

	a.supervisor = helper.NewSupervisor(helper.SupervisorConfig{
		Label:        cfg.Helper.Label,
		SourceBinary: helperSource(cfg.Helper.SourceBinary),
		BinaryPath:   cfg.Helper.BinaryPath,
		PlistPath:    cfg.Helper.PlistPath,
		ConfigFile:   absPath(a.opts.configPath),
		TokenPath:    cfg.Helper.TokenFile(),
	}, a.client, launchctl, logger.WithComponent(a.log, "supervisor"))

	// After a relaunch the user has already been asked once; a helper that
	// is still unusable is terminal.
	var recoverer helper.Recoverer
	if !a.opts.relaunched {
		recoverer = a.supervisor
	}
	a.channel = helper.NewChannel(a.client, recoverer, logger.WithComponent(a.log, "channel"))
	a.system = helper.NewSystem(a.channel, a.inspector, launchctl)

	a.detector = detector.New(a.registry, a.system, a.target.Identifier, logger.WithComponent(a.log, "detector"))
	factory := vendorhandler.NewFactory(a.registry, a.system, logger.WithComponent(a.log, "vendorhandler"))

	a.orch = orchestrator.New(orchestrator.Config{
		Target:           a.target,
		Tenant:           cfg.Migration.TenantName,
		MinimumOSVersion: cfg.Migration.MinimumOSVersion,
		StrictPreflight:  cfg.Migration.IsStrictPreflight(),
		SettleDelay:      cfg.Migration.GetEnrollSettleDelay(),
		PollInterval:     cfg.Migration.GetEnrollPollInterval(),
		PollAttempts:     cfg.Migration.EnrollPollAttempts,
	}, orchestrator.Deps{
		Detector:      a.detector,
		Factory:       factory,
		Privileged:    a.channel,
		Compatibility: a.inspector,
		Notifier:      &completionNotifier{out: a.console.out},
	}, logger.WithComponent(a.log, "orchestrator"))

	a.orch.State().Subscribe(newProgressPrinter(a.console.out))
}

func (a *app) Close() {
	_ = a.closer.Close()
}

// exclusive runs fn while holding the host-wide migration lock, so commands
// that change the device never overlap across processes. A relaunch releases
// the lock with the old process image and the new one takes it again.
func (a *app) exclusive(fn func() error) error {
	if err := a.lock.TryAcquire(); err != nil {
		if errors.Is(err, models.ErrMigrationInProgress) {
			return fmt.Errorf("another mdm-migrate process is changing this Mac (lock %s): %w", a.lock.Path(), err)
		}
		return err
	}
	defer func() {
		if err := a.lock.Release(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to release migration lock")
		}
	}()
	return fn()
}

// ensureHelper makes sure a helper of the expected version answers. When it
// has to be installed the process relaunches itself afterwards so the rest
// of the session runs against the new helper.
func (a *app) ensureHelper(ctx context.Context) error {
	_, err := a.client.Version(ctx)
	if err == nil {
		return nil
	}
	if !models.IsPrivilegeError(err) {
		return err
	}
	if a.opts.relaunched {
		return fmt.Errorf("helper still unavailable after installation: %w", err)
	}

	fmt.Fprintln(a.console.out, "The privileged helper needs to be installed. macOS will ask for an administrator password.")
	if err := a.supervisor.Install(ctx); err != nil {
		return err
	}
	return relaunch()
}

// relaunch replaces the process with a copy of itself marked as relaunched.
func relaunch() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{exe}, os.Args[1:]...)
	args = append(args, "-relaunched")
	// #nosec G204 - re-executes this binary
	return syscall.Exec(exe, args, os.Environ())
}

// helperSource defaults to the helper binary shipped next to the migrator.
func helperSource(configured string) string {
	if configured != "" {
		return configured
	}
	exe, err := os.Executable()
	if err != nil {
		return helperBinaryName
	}
	return filepath.Join(filepath.Dir(exe), helperBinaryName)
}

func absPath(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// exitInterrupted is the conventional status of a process stopped by SIGINT.
const exitInterrupted = 130

// isCancelled reports a run the user declined at a prompt.
func isCancelled(err error) bool {
	return errors.Is(err, models.ErrCancelled)
}

// isInterrupted reports a run stopped by a signal while it was working.
func isInterrupted(err error) bool {
	return !isCancelled(err) && errors.Is(err, context.Canceled)
}

func exitCode(err error) int {
	switch {
	case err == nil, isCancelled(err):
		return 0
	case isInterrupted(err):
		return exitInterrupted
	}
	return 1
}

// finish reports the outcome of a command on stderr, closes the app and
// returns the process exit status.
func (a *app) finish(err error, stderr io.Writer) int {
	defer a.Close()

	code := exitCode(err)
	switch code {
	case 0:
	case exitInterrupted:
		fmt.Fprintln(stderr, "\nInterrupted.")
		printFinalState(stderr, a.orch.State().Snapshot())
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}
