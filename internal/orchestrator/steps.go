package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/retry"

	"github.com/pandeptwidyaop/mdm-migrate/internal/migration"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/vendorhandler"
)

var errNotEnrolled = errors.New("device not enrolled yet")

// run carries the per-attempt values shared by the step actions.
type run struct {
	*Orchestrator

	handler vendorhandler.Handler
	source  models.VendorInfo
	tenant  string
}

func (r *run) execute(ctx context.Context, id string) error {
	switch id {
	case migration.StepCheckPrerequisites:
		return r.checkPrerequisites(ctx)
	case migration.StepBackupSettings:
		return r.backupSettings(ctx)
	case migration.StepPreMigrationTasks:
		return r.handler.PerformPreMigrationTasks(ctx)
	case migration.StepRemoveMDM:
		return r.removeMDM(ctx)
	case migration.StepVerifyRemoval:
		return r.verifyRemoval(ctx)
	case migration.StepUpdatePortal:
		return r.updatePortal(ctx)
	case migration.StepEnrollTarget:
		return r.enrollTarget(ctx)
	case migration.StepPostMigrationTasks:
		return r.handler.PerformPostMigrationTasks(ctx)
	case migration.StepCompletion:
		return nil
	}
	return fmt.Errorf("%w: %s", migration.ErrUnknownStep, id)
}

func (r *run) checkPrerequisites(ctx context.Context) error {
	prereq, err := r.gatherPrerequisites(ctx, r.source)
	if err != nil {
		return err
	}
	r.state.SetPrerequisites(prereq)
	if err := prereq.Err(); err != nil {
		return err
	}

	// Strict preflight rejects a missing tenant before anything is removed.
	if r.cfg.StrictPreflight {
		tenant, err := r.resolveTenant(ctx, r.tenant)
		if err != nil {
			return err
		}
		r.tenant = tenant
	}
	return nil
}

// backupSettings is best effort: a failed backup is logged and the migration
// proceeds, unless the helper itself is unusable.
func (r *run) backupSettings(ctx context.Context) error {
	path, err := r.handler.BackupConfiguration(ctx)
	if err != nil {
		if models.IsPrivilegeError(err) {
			return err
		}
		r.log.Warn().Err(err).Msg("Backup failed, continuing without backup")
	} else {
		r.updateReport(func(rep *Report) { rep.BackupPath = path })
		r.log.Info().Str("path", path).Msg("Backed up configuration")
	}

	if r.cfg.Target.MultiTenant {
		record, err := r.priv.BackupTenantSettings(ctx)
		if err != nil {
			if models.IsPrivilegeError(err) {
				return err
			}
			r.log.Warn().Err(err).Msg("Tenant settings backup failed")
			return nil
		}
		r.log.Info().Str("path", record.Path).Msg("Backed up tenant settings")
	}
	return nil
}

func (r *run) removeMDM(ctx context.Context) error {
	clean, err := r.handler.RemoveProfiles(ctx)
	if err != nil {
		return err
	}
	if !clean {
		// verifyRemoval reports what is left.
		r.log.Warn().Str("vendor", r.source.Identifier).Msg("Removal finished with evidence remaining")
	}
	return nil
}

func (r *run) verifyRemoval(ctx context.Context) error {
	clean, err := r.handler.VerifyUnenrollment(ctx)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}

	remaining, err := r.handler.RemainingEvidence(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to list remaining evidence")
	}
	name := r.source.DisplayName
	if name == "" {
		name = r.source.Identifier
	}
	return &models.VerificationError{Vendor: name, Remaining: remaining}
}

func (r *run) updatePortal(ctx context.Context) error {
	result, err := r.priv.UpdatePortal(ctx)
	if err != nil {
		return err
	}
	r.log.Info().Str("app", result.AppPath).Int64("bytes", result.Downloaded).Msg("Installed portal")
	return nil
}

func (r *run) enrollTarget(ctx context.Context) error {
	tenant, err := r.resolveTenant(ctx, r.tenant)
	if err != nil {
		return err
	}
	r.tenant = tenant
	r.updateReport(func(rep *Report) { rep.Tenant = tenant })

	if err := r.priv.Enroll(ctx, tenant); err != nil {
		return err
	}

	confirmed, err := r.confirmEnrollment(ctx)
	if err != nil {
		return err
	}
	r.updateReport(func(rep *Report) { rep.EnrollmentConfirmed = confirmed })
	return nil
}

// confirmEnrollment waits for the OS to report enrollment. Running out of
// attempts is only a warning: the user may still approve the profile later.
func (r *run) confirmEnrollment(ctx context.Context) (bool, error) {
	if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
		return false, err
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			status, err := r.priv.Status(ctx)
			if err != nil {
				return err
			}
			if !status.MDMEnrolled {
				return errNotEnrolled
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return models.IsPrivilegeError(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.log.Debug().Err(err).Int("attempt", attempt).Msg("Waiting for enrollment")
		},
		Attempts: r.cfg.PollAttempts,
		Delay:    r.cfg.PollInterval,
		Clock:    r.clock,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		r.log.Info().Msg("Enrollment confirmed")
		return true, nil
	case models.IsPrivilegeError(err):
		return false, err
	case ctx.Err() != nil:
		return false, ctx.Err()
	}

	r.log.Warn().
		Int("attempts", r.cfg.PollAttempts).
		Msg("Enrollment not confirmed yet, finish it in System Settings")
	return false, nil
}
