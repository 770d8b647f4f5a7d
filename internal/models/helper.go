package models

// ProfileList is the parsed output of the profile store listing.
type ProfileList struct {
	Count       int      `json:"count"`
	Identifiers []string `json:"identifiers"`
	Raw         string   `json:"raw"`
	// CountReported is set when Count comes from the listing's own count
	// lines rather than from the identifiers found.
	CountReported bool `json:"count_reported"`
}

// Empty reports whether the profile store holds no profiles at all. A
// reported count wins over stray identifier lines.
func (p *ProfileList) Empty() bool {
	if p == nil {
		return false
	}
	if p.CountReported {
		return p.Count == 0
	}
	return p.Count == 0 && len(p.Identifiers) == 0
}

// HelperStatus holds the device state booleans reported by the helper.
type HelperStatus struct {
	MDMEnrolled           bool `json:"mdm_enrolled"`
	DiskEncryptionEnabled bool `json:"disk_encryption_enabled"`
	SecurityPolicyEnabled bool `json:"security_policy_enabled"`
}

// TenantResponse carries the currently configured target tenant.
type TenantResponse struct {
	Tenant string `json:"tenant"`
}

// EnrollRequest asks the helper to enroll in a named tenant.
type EnrollRequest struct {
	Tenant string `json:"tenant"`
}

// PortalResult reports a completed portal installation.
type PortalResult struct {
	AppPath    string `json:"app_path"`
	Downloaded int64  `json:"downloaded"`
}

// RotationOutcome is the terminal state of a recovery key rotation.
type RotationOutcome string

const (
	// RotationRotated means a new recovery key was generated.
	RotationRotated RotationOutcome = "rotated"
	// RotationSkipped means disk encryption is off and nothing was done.
	RotationSkipped RotationOutcome = "skipped"
	// RotationCancelled means the user declined the authentication prompt.
	RotationCancelled RotationOutcome = "cancelled"
)

// RotationRequest carries the credentials fdesetup asks for.
type RotationRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RotationResult is the helper's answer to a rotation request.
type RotationResult struct {
	Outcome     RotationOutcome `json:"outcome"`
	RecoveryKey string          `json:"recovery_key,omitempty"`
}
