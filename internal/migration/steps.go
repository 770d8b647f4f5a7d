// Package migration holds the in-memory migration state: the ordered step
// list for a source/target vendor pair, per-step status and the overall
// phase and progress.
package migration

import (
	"fmt"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Step identifiers, in execution order.
const (
	StepCheckPrerequisites = "checkPrerequisites"
	StepBackupSettings     = "backupSettings"
	StepPreMigrationTasks  = "preMigrationTasks"
	StepRemoveMDM          = "removeMDM"
	StepVerifyRemoval      = "verifyRemoval"
	StepUpdatePortal       = "updatePortal"
	StepEnrollTarget       = "enrollTarget"
	StepPostMigrationTasks = "postMigrationTasks"
	StepCompletion         = "completion"
)

// Step is one named unit of a migration.
type Step struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Progress    int        `json:"progress"`
	IsBlocker   bool       `json:"is_blocker"`
}

// Terminal reports whether the step has finished, successfully or not.
func (s Step) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

// BuildSteps returns the step list for migrating from source to target. The
// portal update step exists only when the target needs its portal app.
func BuildSteps(source models.VendorInfo, target models.VendorDefinition) []Step {
	src := source.DisplayName
	if src == "" {
		src = source.Identifier
	}
	dst := target.DisplayName
	if dst == "" {
		dst = target.Identifier
	}

	steps := []Step{
		newStep(StepCheckPrerequisites, "Check prerequisites",
			"Verify the device can be migrated", true),
		newStep(StepBackupSettings, "Back up settings",
			fmt.Sprintf("Back up %s profiles and configuration", src), true),
		newStep(StepPreMigrationTasks, "Prepare "+src,
			fmt.Sprintf("Run %s pre-migration tasks", src), false),
		newStep(StepRemoveMDM, "Remove "+src,
			fmt.Sprintf("Remove %s profiles and agents", src), true),
		newStep(StepVerifyRemoval, "Verify removal",
			fmt.Sprintf("Confirm no %s evidence remains", src), true),
	}

	if target.RequiresPortal {
		steps = append(steps, newStep(StepUpdatePortal, "Install "+dst+" portal",
			fmt.Sprintf("Install or update the %s management portal", dst), true))
	}

	steps = append(steps,
		newStep(StepEnrollTarget, "Enroll in "+dst,
			fmt.Sprintf("Enroll the device in %s", dst), true),
		newStep(StepPostMigrationTasks, "Clean up "+src,
			fmt.Sprintf("Run %s post-migration tasks", src), false),
		newStep(StepCompletion, "Finish",
			"Complete the migration", false),
	)

	return steps
}

func newStep(id, name, description string, blocker bool) Step {
	return Step{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      StepNotStarted,
		IsBlocker:   blocker,
	}
}
