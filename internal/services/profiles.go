package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/detector"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/validation"
)

// ProfilesBinary is the OS configuration profile tool.
const ProfilesBinary = "/usr/bin/profiles"

// ProfileService lists, removes and exports configuration profiles.
type ProfileService struct {
	runner Runner
	audit  *AuditService
	log    zerolog.Logger
}

func NewProfileService(runner Runner, audit *AuditService, log zerolog.Logger) *ProfileService {
	return &ProfileService{runner: runner, audit: audit, log: log}
}

// List returns every installed profile, user and system level.
func (s *ProfileService) List(ctx context.Context) (*models.ProfileList, error) {
	result, err := s.runner.Run(ctx, ProfilesBinary, "list", "-all")
	if err != nil {
		// profiles exits non-zero on some releases when the store is empty.
		var cmdErr *models.CommandError
		if errors.As(err, &cmdErr) && result != nil && strings.Contains(result.Stdout, "no configuration profiles") {
			return detector.ParseProfileList(result.Stdout), nil
		}
		return nil, err
	}
	return detector.ParseProfileList(result.Stdout), nil
}

// Remove removes a single profile by identifier.
func (s *ProfileService) Remove(ctx context.Context, identifier string) error {
	if err := validation.ValidateProfileIdentifier(identifier); err != nil {
		return &models.ConfigError{Field: "identifier", Message: fmt.Sprintf("invalid profile identifier: %v", err)}
	}

	result, err := s.runner.Run(ctx, ProfilesBinary, "remove", "-identifier", identifier)
	s.audit.LogCommand("remove_profile", identifier, result, err)
	return err
}

// RemoveAll removes every removable profile. MDM-installed profiles that
// the OS protects stay behind and show up in verification.
func (s *ProfileService) RemoveAll(ctx context.Context) error {
	result, err := s.runner.Run(ctx, ProfilesBinary, "remove", "-all", "-forced")
	s.audit.LogCommand("remove_all_profiles", "", result, err)
	return err
}

// Export writes the full profile store to path as a plist.
func (s *ProfileService) Export(ctx context.Context, path string) error {
	if err := validation.ValidatePath(path); err != nil {
		return &models.ConfigError{Field: "path", Message: "invalid export path"}
	}
	result, err := s.runner.Run(ctx, ProfilesBinary, "show", "-all", "-output", path)
	s.audit.LogCommand("export_profiles", path, result, err)
	return err
}

// EnrollmentStatus reports whether the device is MDM enrolled.
func (s *ProfileService) EnrollmentStatus(ctx context.Context) (bool, error) {
	result, err := s.runner.Run(ctx, ProfilesBinary, "status", "-type", "enrollment")
	if err != nil {
		return false, err
	}
	return parseEnrollmentStatus(result.Stdout), nil
}

// RenewEnrollment asks the OS to fetch the enrollment profile again.
func (s *ProfileService) RenewEnrollment(ctx context.Context) error {
	result, err := s.runner.Run(ctx, ProfilesBinary, "renew", "-type", "enrollment")
	s.audit.LogCommand("renew_enrollment", "", result, err)
	return err
}

func parseEnrollmentStatus(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "MDM enrollment:") {
			return strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(line, "MDM enrollment:")), "Yes")
		}
	}
	return false
}
