// Package orchestrator drives a migration end to end: it runs the steps of
// the migration state in their fixed order through the vendor handler and
// the privileged channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/migration"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/vendorhandler"
)

// Detector resolves the source vendor.
type Detector interface {
	DetectPrimaryMDM(ctx context.Context) models.VendorInfo
}

// HandlerFactory selects the handler for a vendor.
type HandlerFactory interface {
	For(info models.VendorInfo) vendorhandler.Handler
}

// Privileged is the subset of the privileged channel the orchestrator uses.
type Privileged interface {
	Status(ctx context.Context) (*models.HelperStatus, error)
	Tenant(ctx context.Context) (string, error)
	BackupTenantSettings(ctx context.Context) (*models.BackupRecord, error)
	UpdatePortal(ctx context.Context) (*models.PortalResult, error)
	Enroll(ctx context.Context, tenant string) error
	RemoveAllProfiles(ctx context.Context) error
	RotateRecoveryKey(ctx context.Context, req models.RotationRequest) (*models.RotationResult, error)
}

// Compatibility reports whether the OS meets a minimum version.
type Compatibility interface {
	IsCompatible(ctx context.Context, minimum string) (bool, error)
}

// Notifier receives the terminal outcome of a run.
type Notifier interface {
	MigrationCompleted(report Report)
	MigrationFailed(report Report, err error)
}

// Config holds the run parameters.
type Config struct {
	Target           models.VendorDefinition
	Tenant           string
	MinimumOSVersion string
	StrictPreflight  bool
	SettleDelay      time.Duration
	PollInterval     time.Duration
	PollAttempts     int
}

// Report summarises a run.
type Report struct {
	RunID               string             `json:"run_id"`
	Source              models.VendorInfo  `json:"source"`
	Target              string             `json:"target"`
	Tenant              string             `json:"tenant,omitempty"`
	BackupPath          string             `json:"backup_path,omitempty"`
	EnrollmentConfirmed bool               `json:"enrollment_confirmed"`
	State               migration.Snapshot `json:"state"`
}

// StepError is returned when a blocking step fails.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Orchestrator runs one migration at a time. While a run is active every
// out-of-band privileged operation is rejected with ErrMigrationInProgress.
type Orchestrator struct {
	cfg      Config
	state    *migration.State
	detector Detector
	factory  HandlerFactory
	priv     Privileged
	compat   Compatibility
	notifier Notifier
	clock    clock.Clock
	log      zerolog.Logger

	busy atomic.Bool

	mu     sync.Mutex
	report Report
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	State         *migration.State
	Detector      Detector
	Factory       HandlerFactory
	Privileged    Privileged
	Compatibility Compatibility
	Notifier      Notifier
	Clock         clock.Clock
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Orchestrator {
	if deps.State == nil {
		deps.State = migration.NewState()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if cfg.PollAttempts < 1 {
		cfg.PollAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		state:    deps.State,
		detector: deps.Detector,
		factory:  deps.Factory,
		priv:     deps.Privileged,
		compat:   deps.Compatibility,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		log:      log,
	}
}

// State returns the migration state observers subscribe to.
func (o *Orchestrator) State() *migration.State {
	return o.state
}

// Running reports whether a migration or exclusive operation is active.
func (o *Orchestrator) Running() bool {
	return o.busy.Load()
}

// RunExclusive runs fn unless a migration is active.
func (o *Orchestrator) RunExclusive(ctx context.Context, fn func(context.Context) error) error {
	if !o.busy.CompareAndSwap(false, true) {
		return models.ErrMigrationInProgress
	}
	defer o.busy.Store(false)
	return fn(ctx)
}

// ForceRemoveProfiles removes every MDM profile outside a migration run.
func (o *Orchestrator) ForceRemoveProfiles(ctx context.Context) error {
	return o.RunExclusive(ctx, func(ctx context.Context) error {
		o.log.Warn().Msg("Force removing all profiles")
		return o.priv.RemoveAllProfiles(ctx)
	})
}

// Prepare detects the source vendor, rebuilds the step list and checks
// prerequisites. The returned phase is ready only if every prerequisite holds.
func (o *Orchestrator) Prepare(ctx context.Context) (migration.Phase, error) {
	var phase migration.Phase
	err := o.RunExclusive(ctx, func(ctx context.Context) error {
		var err error
		phase, err = o.prepare(ctx)
		return err
	})
	return phase, err
}

func (o *Orchestrator) prepare(ctx context.Context) (migration.Phase, error) {
	source := o.detector.DetectPrimaryMDM(ctx)
	o.log.Info().Str("vendor", source.Identifier).Msg("Detected source MDM")

	if err := o.state.Rebuild(source, o.cfg.Target, o.cfg.Tenant); err != nil {
		return migration.Phase{}, err
	}
	if err := o.state.BeginPrerequisiteCheck(); err != nil {
		return migration.Phase{}, err
	}

	prereq, err := o.gatherPrerequisites(ctx, source)
	if err != nil {
		return migration.Phase{}, err
	}
	return o.state.SetPrerequisites(prereq), nil
}

// Run executes every step in order. A failing blocking step stops the run
// and is returned as a *StepError.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, models.ErrMigrationInProgress
	}
	defer o.busy.Store(false)

	if len(o.state.StepIDs()) == 0 {
		if _, err := o.prepare(ctx); err != nil {
			return nil, err
		}
	}

	source := o.state.Source()
	r := &run{
		Orchestrator: o,
		handler:      o.factory.For(source),
		source:       source,
		tenant:       o.cfg.Tenant,
	}

	o.mu.Lock()
	o.report = Report{RunID: uuid.New().String(), Source: source, Target: o.cfg.Target.Identifier}
	o.mu.Unlock()

	if err := o.state.Start(); err != nil {
		return nil, err
	}
	o.log.Info().
		Str("source", source.Identifier).
		Str("target", o.cfg.Target.Identifier).
		Msg("Starting migration")

	for _, id := range o.state.StepIDs() {
		if err := ctx.Err(); err != nil {
			_ = o.state.Fail(err)
			return o.finish(err)
		}

		step, _ := o.state.Step(id)
		if err := o.state.BeginStep(id); err != nil {
			return o.finish(err)
		}

		stepLog := o.log.With().Str("step", id).Logger()
		stepLog.Info().Msg(step.Name)

		err := r.execute(ctx, id)
		if err == nil {
			_ = o.state.CompleteStep(id)
			continue
		}

		_ = o.state.FailStep(id, err)
		if step.IsBlocker {
			stepLog.Error().Err(err).Msg("Blocking step failed, stopping migration")
			return o.finish(&StepError{Step: id, Err: err})
		}
		stepLog.Warn().Err(err).Msg("Step failed, continuing")
	}

	if err := o.state.Complete(); err != nil {
		return o.finish(err)
	}
	o.log.Info().Msg("Migration completed")
	return o.finish(nil)
}

func (o *Orchestrator) finish(err error) (*Report, error) {
	o.mu.Lock()
	o.report.State = o.state.Snapshot()
	report := o.report
	o.mu.Unlock()

	if err != nil {
		o.notifier.MigrationFailed(report, err)
		return &report, err
	}
	o.notifier.MigrationCompleted(report)
	return &report, nil
}

func (o *Orchestrator) updateReport(fn func(*Report)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.report)
}

func (o *Orchestrator) gatherPrerequisites(ctx context.Context, source models.VendorInfo) (migration.Prerequisites, error) {
	status, err := o.priv.Status(ctx)
	if err != nil {
		return migration.Prerequisites{}, fmt.Errorf("failed to read device status: %w", err)
	}

	compatible, err := o.compat.IsCompatible(ctx, o.cfg.MinimumOSVersion)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to read OS version")
	}

	return migration.Prerequisites{
		MDMEnrolled:           status.MDMEnrolled || !source.IsNone(),
		Vendor:                source,
		OSCompatible:          compatible,
		DiskEncryptionEnabled: status.DiskEncryptionEnabled,
		SecurityPolicyEnabled: status.SecurityPolicyEnabled,
	}, nil
}

// resolveTenant returns the configured tenant or, failing that, the tenant
// already written on the device. A multi-tenant target without one is a
// configuration error.
func (o *Orchestrator) resolveTenant(ctx context.Context, configured string) (string, error) {
	tenant := strings.TrimSpace(configured)
	if tenant == "" {
		current, err := o.priv.Tenant(ctx)
		if err != nil {
			if models.IsPrivilegeError(err) {
				return "", err
			}
			o.log.Warn().Err(err).Msg("Failed to read current tenant")
		}
		tenant = strings.TrimSpace(current)
	}
	if o.cfg.Target.MultiTenant && tenant == "" {
		return "", &models.ConfigError{Field: "tenant", Message: "tenant name is required"}
	}
	return tenant, nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-o.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopNotifier struct{}

func (nopNotifier) MigrationCompleted(Report)      {}
func (nopNotifier) MigrationFailed(Report, error) {}

// isCancelled reports whether err is a user cancellation.
func isCancelled(err error) bool {
	return errors.Is(err, models.ErrCancelled)
}
