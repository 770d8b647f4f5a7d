package migration

import (
	"fmt"
	"strings"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// PhaseKind is the overall migration phase.
type PhaseKind string

const (
	PhaseNotStarted            PhaseKind = "not_started"
	PhaseCheckingPrerequisites PhaseKind = "checking_prerequisites"
	PhasePrerequisitesFailed   PhaseKind = "prerequisites_failed"
	PhaseReady                 PhaseKind = "ready"
	PhaseInProgress            PhaseKind = "in_progress"
	PhaseCompleted             PhaseKind = "completed"
	PhaseFailed                PhaseKind = "failed"
)

// Phase is a PhaseKind with its payload: the percentage while in progress
// and the reason after a failure.
type Phase struct {
	Kind    PhaseKind `json:"kind"`
	Percent int       `json:"percent,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

func (p Phase) String() string {
	switch p.Kind {
	case PhaseInProgress:
		return fmt.Sprintf("%s(%d%%)", p.Kind, p.Percent)
	case PhaseFailed, PhasePrerequisitesFailed:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Reason)
	}
	return string(p.Kind)
}

// Prerequisites is the device snapshot taken before migrating.
type Prerequisites struct {
	MDMEnrolled           bool              `json:"mdm_enrolled"`
	Vendor                models.VendorInfo `json:"vendor"`
	OSCompatible          bool              `json:"os_compatible"`
	DiskEncryptionEnabled bool              `json:"disk_encryption_enabled"`
	SecurityPolicyEnabled bool              `json:"security_policy_enabled"`
}

// Unmet lists the requirements that are not satisfied.
func (p Prerequisites) Unmet() []string {
	var unmet []string
	if !p.MDMEnrolled {
		unmet = append(unmet, "device is not enrolled in an MDM")
	}
	if !p.OSCompatible {
		unmet = append(unmet, "macOS version is not supported")
	}
	if !p.DiskEncryptionEnabled {
		unmet = append(unmet, "FileVault is not enabled")
	}
	if !p.SecurityPolicyEnabled {
		unmet = append(unmet, "Gatekeeper is not enabled")
	}
	return unmet
}

// Met reports whether every prerequisite holds.
func (p Prerequisites) Met() bool {
	return len(p.Unmet()) == 0
}

// Err returns a PrerequisiteError for the unmet requirements, or nil.
func (p Prerequisites) Err() error {
	unmet := p.Unmet()
	if len(unmet) == 0 {
		return nil
	}
	return &models.PrerequisiteError{Unmet: unmet}
}

func (p Prerequisites) reason() string {
	return strings.Join(p.Unmet(), ", ")
}
