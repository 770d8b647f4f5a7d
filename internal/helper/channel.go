package helper

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// Recoverer reinstalls or restarts the helper.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// Channel runs privileged operations through the shared Client. When the
// helper cannot be used it recovers at most once per process, retries the
// failed call once and otherwise fails every later call with the same
// terminal error.
type Channel struct {
	client    *Client
	recoverer Recoverer
	log       zerolog.Logger

	mu        sync.Mutex
	recovered bool
	terminal  error
}

// NewChannel returns a Channel. A nil recoverer makes the first privilege
// error terminal.
func NewChannel(client *Client, recoverer Recoverer, log zerolog.Logger) *Channel {
	return &Channel{client: client, recoverer: recoverer, log: log}
}

// Err returns the terminal error, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Channel) recover(ctx context.Context, op string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminal != nil {
		return c.terminal
	}
	if c.recovered {
		// Recovery was spent; this call gets its single retry and nothing more.
		return nil
	}
	if c.recoverer == nil {
		c.terminal = fmt.Errorf("%s: %w", op, cause)
		return c.terminal
	}

	c.recovered = true
	c.client.Invalidate()
	c.log.Warn().Err(cause).Str("operation", op).Msg("Privileged helper unavailable, reinstalling")

	if err := c.recoverer.Recover(ctx); err != nil {
		c.terminal = fmt.Errorf("%s: %w (recovery failed: %w)", op, cause, err)
		return c.terminal
	}
	return nil
}

func (c *Channel) fail(op string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminal == nil {
		c.terminal = fmt.Errorf("%s: %w", op, err)
	}
	return c.terminal
}

func invoke[T any](ctx context.Context, c *Channel, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.Err(); err != nil {
		return zero, err
	}

	v, err := fn(ctx)
	if err == nil || !models.IsPrivilegeError(err) {
		return v, err
	}

	if rerr := c.recover(ctx, op, err); rerr != nil {
		return zero, rerr
	}

	v, err = fn(ctx)
	if err != nil && models.IsPrivilegeError(err) {
		return zero, c.fail(op, err)
	}
	return v, err
}

func invokeErr(ctx context.Context, c *Channel, op string, fn func(context.Context) error) error {
	_, err := invoke(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Version returns the helper version.
func (c *Channel) Version(ctx context.Context) (string, error) {
	return invoke(ctx, c, "get version", c.client.Version)
}

// Tenant returns the current target tenant.
func (c *Channel) Tenant(ctx context.Context) (string, error) {
	return invoke(ctx, c, "get tenant", c.client.Tenant)
}

// ListProfiles returns the installed configuration profiles.
func (c *Channel) ListProfiles(ctx context.Context) (*models.ProfileList, error) {
	return invoke(ctx, c, "list profiles", c.client.ListProfiles)
}

// RemoveProfile removes a single profile.
func (c *Channel) RemoveProfile(ctx context.Context, identifier string) error {
	return invokeErr(ctx, c, "remove profile", func(ctx context.Context) error {
		return c.client.RemoveProfile(ctx, identifier)
	})
}

// RemoveAllProfiles removes the current MDM profile set.
func (c *Channel) RemoveAllProfiles(ctx context.Context) error {
	return invokeErr(ctx, c, "remove profiles", c.client.RemoveAllProfiles)
}

// RunRemovalCommand runs a registry removal command.
func (c *Channel) RunRemovalCommand(ctx context.Context, vendorID string, index int) (*models.CommandResult, error) {
	return invoke(ctx, c, "run removal command", func(ctx context.Context) (*models.CommandResult, error) {
		return c.client.RunRemovalCommand(ctx, vendorID, index)
	})
}

// RunUnenrollCommand runs the vendor's unenroll command.
func (c *Channel) RunUnenrollCommand(ctx context.Context, vendorID string) (*models.CommandResult, error) {
	return invoke(ctx, c, "run unenroll command", func(ctx context.Context) (*models.CommandResult, error) {
		return c.client.RunUnenrollCommand(ctx, vendorID)
	})
}

// BackupProfiles creates a profile backup for vendorID.
func (c *Channel) BackupProfiles(ctx context.Context, vendorID string) (*models.BackupRecord, error) {
	return invoke(ctx, c, "back up profiles", func(ctx context.Context) (*models.BackupRecord, error) {
		return c.client.BackupProfiles(ctx, vendorID)
	})
}

// BackupTenantSettings backs up the target portal settings.
func (c *Channel) BackupTenantSettings(ctx context.Context) (*models.BackupRecord, error) {
	return invoke(ctx, c, "back up tenant settings", c.client.BackupTenantSettings)
}

// BackupArtifacts copies vendor artifacts into a backup.
func (c *Channel) BackupArtifacts(ctx context.Context, backupID string, paths []string) (*models.ArtifactResult, error) {
	return invoke(ctx, c, "back up artifacts", func(ctx context.Context) (*models.ArtifactResult, error) {
		return c.client.BackupArtifacts(ctx, backupID, paths)
	})
}

// UpdatePortal installs the target management portal.
func (c *Channel) UpdatePortal(ctx context.Context) (*models.PortalResult, error) {
	return invoke(ctx, c, "update portal", c.client.UpdatePortal)
}

// Enroll enrolls the device in tenant.
func (c *Channel) Enroll(ctx context.Context, tenant string) error {
	return invokeErr(ctx, c, "enroll", func(ctx context.Context) error {
		return c.client.Enroll(ctx, tenant)
	})
}

// RotateRecoveryKey rotates the FileVault personal recovery key.
func (c *Channel) RotateRecoveryKey(ctx context.Context, req models.RotationRequest) (*models.RotationResult, error) {
	return invoke(ctx, c, "rotate recovery key", func(ctx context.Context) (*models.RotationResult, error) {
		return c.client.RotateRecoveryKey(ctx, req)
	})
}

// Status returns the device state booleans.
func (c *Channel) Status(ctx context.Context) (*models.HelperStatus, error) {
	return invoke(ctx, c, "get status", c.client.Status)
}
