package orchestrator

import (
	"context"
	"fmt"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// Prompter asks the user for the credentials of a FileVault-enabled account.
// A declined prompt returns an error wrapping models.ErrCancelled.
type Prompter interface {
	Credentials(ctx context.Context) (models.RotationRequest, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context) (models.RotationRequest, error)

func (f PrompterFunc) Credentials(ctx context.Context) (models.RotationRequest, error) {
	return f(ctx)
}

// RotateRecoveryKey generates a new personal recovery key. With FileVault off
// nothing is asked or run. A declined prompt is the cancelled outcome, not an
// error.
func (o *Orchestrator) RotateRecoveryKey(ctx context.Context, prompter Prompter) (*models.RotationResult, error) {
	var result *models.RotationResult
	err := o.RunExclusive(ctx, func(ctx context.Context) error {
		status, err := o.priv.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read FileVault status: %w", err)
		}
		if !status.DiskEncryptionEnabled {
			o.log.Info().Msg("FileVault is off, nothing to rotate")
			result = &models.RotationResult{Outcome: models.RotationSkipped}
			return nil
		}

		req, err := prompter.Credentials(ctx)
		if err != nil {
			if isCancelled(err) {
				o.log.Info().Msg("Recovery key rotation cancelled")
				result = &models.RotationResult{Outcome: models.RotationCancelled}
				return nil
			}
			return err
		}

		result, err = o.priv.RotateRecoveryKey(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
