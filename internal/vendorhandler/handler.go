// Package vendorhandler implements vendor-specific removal, backup and
// verification behind a single Handler interface.
package vendorhandler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
)

// Handler is the capability set every vendor exposes to the orchestrator.
type Handler interface {
	// Vendor returns the detection result the handler was built for.
	Vendor() models.VendorInfo
	// RemoveProfiles runs the vendor's removal script, sweeps remaining
	// profiles and returns the result of VerifyUnenrollment.
	RemoveProfiles(ctx context.Context) (bool, error)
	// BackupConfiguration exports the profile store and vendor artifacts and
	// returns the backup directory.
	BackupConfiguration(ctx context.Context) (string, error)
	PerformPreMigrationTasks(ctx context.Context) error
	PerformPostMigrationTasks(ctx context.Context) error
	// VerifyUnenrollment reports whether no evidence of the vendor remains.
	VerifyUnenrollment(ctx context.Context) (bool, error)
	// RemainingEvidence lists what still ties the device to the vendor.
	RemainingEvidence(ctx context.Context) ([]string, error)
}

// System is the set of device operations handlers are built on. Destructive
// operations go through the privileged helper.
type System interface {
	ListProfiles(ctx context.Context) (*models.ProfileList, error)
	RemoveProfile(ctx context.Context, identifier string) error
	RemoveAllProfiles(ctx context.Context) error
	RunRemovalCommand(ctx context.Context, vendorID string, index int) (*models.CommandResult, error)
	RunUnenrollCommand(ctx context.Context, vendorID string) (*models.CommandResult, error)
	BackupProfiles(ctx context.Context, vendorID string) (*models.BackupRecord, error)
	BackupArtifacts(ctx context.Context, backupID string, paths []string) (*models.ArtifactResult, error)
	Status(ctx context.Context) (*models.HelperStatus, error)
	PathExists(path string) bool
	ProcessRunning(ctx context.Context, names []string) (bool, error)
	LaunchdLoaded(ctx context.Context, label string) bool
}

// evidenceCheck returns the evidence a variant-specific verification found.
type evidenceCheck func(ctx context.Context, h *handler) ([]string, error)

// handler is the shared pipeline. Variants differ only in the hooks and
// extra checks installed by the dispatch table in factory.go.
type handler struct {
	def      models.VendorDefinition
	info     models.VendorInfo
	registry *registry.Registry
	sys      System
	log      zerolog.Logger

	pre       func(ctx context.Context, h *handler) error
	post      func(ctx context.Context, h *handler) error
	artifacts func(h *handler) []string
	checks    []evidenceCheck
}

func (h *handler) Vendor() models.VendorInfo {
	return h.info
}

func (h *handler) RemoveProfiles(ctx context.Context) (bool, error) {
	cmds := h.registry.GetRemovalCommands(h.def.Identifier)

	for i, cmd := range cmds {
		if !h.sys.PathExists(cmd.Path) {
			h.log.Info().Str("command", cmd.Path).Msg("Removal command not installed, skipping")
			continue
		}

		h.log.Info().
			Int("index", i).
			Str("command", cmd.Path).
			Str("description", cmd.Description).
			Msg("Running removal command")

		if _, err := h.sys.RunRemovalCommand(ctx, h.def.Identifier, i); err != nil {
			if models.IsPrivilegeError(err) {
				return false, err
			}
			h.log.Warn().Err(err).Str("command", cmd.Path).Msg("Removal command failed, continuing")
		}
	}

	if err := h.sweep(ctx); err != nil {
		return false, err
	}

	return h.VerifyUnenrollment(ctx)
}

// sweep removes every profile still matching the vendor's patterns and falls
// back to removing all profiles when targeted removal leaves some behind.
func (h *handler) sweep(ctx context.Context) error {
	if len(h.def.ProfilePatterns) == 0 {
		return h.removeAll(ctx)
	}

	profiles, err := h.sys.ListProfiles(ctx)
	if err != nil {
		if models.IsPrivilegeError(err) {
			return err
		}
		h.log.Warn().Err(err).Msg("Failed to list profiles for sweep")
		return h.removeAll(ctx)
	}

	matching := registry.MatchingIdentifiers(profiles.Identifiers, h.def.ProfilePatterns)
	if len(matching) == 0 {
		return nil
	}

	for _, id := range matching {
		if err := h.sys.RemoveProfile(ctx, id); err != nil {
			if models.IsPrivilegeError(err) {
				return err
			}
			h.log.Warn().Err(err).Str("profile", id).Msg("Failed to remove profile")
		}
	}

	profiles, err = h.sys.ListProfiles(ctx)
	if err != nil {
		if models.IsPrivilegeError(err) {
			return err
		}
		return h.removeAll(ctx)
	}
	if len(registry.MatchingIdentifiers(profiles.Identifiers, h.def.ProfilePatterns)) > 0 {
		return h.removeAll(ctx)
	}
	return nil
}

func (h *handler) removeAll(ctx context.Context) error {
	h.log.Warn().Msg("Removing all configuration profiles")
	if err := h.sys.RemoveAllProfiles(ctx); err != nil {
		if models.IsPrivilegeError(err) {
			return err
		}
		h.log.Warn().Err(err).Msg("Remove-all sweep failed")
	}
	return nil
}

func (h *handler) BackupConfiguration(ctx context.Context) (string, error) {
	record, err := h.sys.BackupProfiles(ctx, h.def.Identifier)
	if err != nil {
		return "", fmt.Errorf("failed to back up profiles: %w", err)
	}

	var paths []string
	if h.artifacts != nil {
		paths = h.artifacts(h)
	}
	if len(paths) > 0 {
		result, err := h.sys.BackupArtifacts(ctx, record.ID, paths)
		if err != nil {
			h.log.Warn().Err(err).Str("backup", record.ID).Msg("Failed to copy vendor artifacts")
		} else {
			h.log.Info().
				Int("copied", len(result.Copied)).
				Int("skipped", len(result.Skipped)).
				Msg("Vendor artifacts backed up")
		}
	}

	return record.Path, nil
}

func (h *handler) PerformPreMigrationTasks(ctx context.Context) error {
	if h.pre == nil {
		return nil
	}
	return h.pre(ctx, h)
}

func (h *handler) PerformPostMigrationTasks(ctx context.Context) error {
	if h.post == nil {
		return nil
	}
	return h.post(ctx, h)
}

func (h *handler) VerifyUnenrollment(ctx context.Context) (bool, error) {
	remaining, err := h.RemainingEvidence(ctx)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		h.log.Warn().Strs("remaining", remaining).Msg("Vendor evidence remains after removal")
		return false, nil
	}
	return true, nil
}

func (h *handler) RemainingEvidence(ctx context.Context) ([]string, error) {
	var remaining []string

	if len(h.def.ProfilePatterns) == 0 {
		status, err := h.sys.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status.MDMEnrolled {
			remaining = append(remaining, "MDM enrollment")
		}
	} else {
		profiles, err := h.sys.ListProfiles(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range registry.MatchingIdentifiers(profiles.Identifiers, h.def.ProfilePatterns) {
			remaining = append(remaining, "profile "+id)
		}
	}

	for _, p := range h.def.AgentPaths {
		if h.sys.PathExists(p) {
			remaining = append(remaining, "path "+p)
		}
	}

	for _, check := range h.checks {
		found, err := check(ctx, h)
		if err != nil {
			return nil, err
		}
		remaining = append(remaining, found...)
	}

	return remaining, nil
}

// defaultArtifacts returns the vendor's declared backup paths.
func defaultArtifacts(h *handler) []string {
	return append([]string(nil), h.def.BackupPaths...)
}

// agentArtifacts adds the launch daemon plist of every vendor label.
func agentArtifacts(h *handler) []string {
	paths := defaultArtifacts(h)
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		seen[p] = true
	}
	for _, label := range h.def.LaunchdLabels {
		p := filepath.Join("/Library/LaunchDaemons", label+".plist")
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}
