package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/validation"
)

const (
	defaultsBinary = "/usr/bin/defaults"
	fdesetupBinary = "/usr/bin/fdesetup"
	spctlBinary    = "/usr/sbin/spctl"

	tenantKey       = "TenantName"
	preferencesDir  = "/Library/Preferences"
	managedPrefsDir = "/Library/Managed Preferences"
)

// EnrollmentService reads and writes the target tenant and reports device
// management state.
type EnrollmentService struct {
	runner   Runner
	profiles *ProfileService
	audit    *AuditService
	domain   string
	log      zerolog.Logger
}

func NewEnrollmentService(runner Runner, profiles *ProfileService, audit *AuditService, domain string, log zerolog.Logger) *EnrollmentService {
	return &EnrollmentService{
		runner:   runner,
		profiles: profiles,
		audit:    audit,
		domain:   domain,
		log:      log,
	}
}

// PreferencesPath is the system-level preferences plist of the portal.
func (s *EnrollmentService) PreferencesPath() string {
	return filepath.Join(preferencesDir, s.domain+".plist")
}

// TenantSettingsPaths lists the files holding tenant configuration.
func (s *EnrollmentService) TenantSettingsPaths() []string {
	return []string{
		s.PreferencesPath(),
		filepath.Join(managedPrefsDir, s.domain+".plist"),
	}
}

// ReadTenant returns the configured tenant, or "" when none is set.
func (s *EnrollmentService) ReadTenant(ctx context.Context) (string, error) {
	result, err := s.runner.Run(ctx, defaultsBinary, "read", s.PreferencesPath(), tenantKey)
	if err != nil {
		// defaults exits 1 when the domain or key does not exist.
		if result != nil && strings.Contains(result.Stderr, "does not exist") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Enroll writes the tenant and asks the OS to fetch the enrollment profile.
func (s *EnrollmentService) Enroll(ctx context.Context, tenant string) error {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return &models.ConfigError{Field: "tenant", Message: "tenant name is required"}
	}
	if err := validation.ValidateTenantName(tenant); err != nil {
		return &models.ConfigError{Field: "tenant", Message: fmt.Sprintf("invalid tenant name: %v", err)}
	}

	result, err := s.runner.Run(ctx, defaultsBinary, "write", s.PreferencesPath(), tenantKey, "-string", tenant)
	s.audit.LogCommand("write_tenant", tenant, result, err)
	if err != nil {
		return fmt.Errorf("failed to write tenant: %w", err)
	}

	if err := s.profiles.RenewEnrollment(ctx); err != nil {
		return fmt.Errorf("failed to start enrollment: %w", err)
	}

	s.log.Info().Str("tenant", tenant).Msg("Enrollment requested")
	return nil
}

// Status reports MDM enrollment, disk encryption and Gatekeeper state.
// Any query that fails is reported as false.
func (s *EnrollmentService) Status(ctx context.Context) models.HelperStatus {
	var status models.HelperStatus

	enrolled, err := s.profiles.EnrollmentStatus(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read enrollment status")
	}
	status.MDMEnrolled = enrolled

	if result, err := s.runner.Run(ctx, fdesetupBinary, "status"); err == nil {
		status.DiskEncryptionEnabled = parseFileVaultStatus(result.Stdout)
	} else {
		s.log.Warn().Err(err).Msg("Failed to read FileVault status")
	}

	// spctl writes its answer to stderr on some releases.
	if result, err := s.runner.Run(ctx, spctlBinary, "--status"); err == nil {
		status.SecurityPolicyEnabled = parseGatekeeperStatus(result.Stdout + result.Stderr)
	} else {
		s.log.Warn().Err(err).Msg("Failed to read Gatekeeper status")
	}

	return status
}

func parseFileVaultStatus(output string) bool {
	return strings.Contains(output, "FileVault is On")
}

func parseGatekeeperStatus(output string) bool {
	return strings.Contains(output, "assessments enabled")
}
