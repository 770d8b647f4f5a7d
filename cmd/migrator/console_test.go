package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/mdm-migrate/internal/migration"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/orchestrator"
)

func testConsole(input string) (*console, *bytes.Buffer) {
	var out bytes.Buffer
	return &console{in: bufio.NewReader(strings.NewReader(input)), out: &out}, &out
}

func TestCredentialsReadsUserAndPassword(t *testing.T) {
	c, _ := testConsole("admin\nsecret\n")

	req, err := c.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RotationRequest{Username: "admin", Password: "secret"}, req)
}

func TestCredentialsEmptyUserCancels(t *testing.T) {
	c, _ := testConsole("\n")

	_, err := c.Credentials(context.Background())
	assert.ErrorIs(t, err, models.ErrCancelled)
}

func TestCredentialsEOFCancels(t *testing.T) {
	c, _ := testConsole("")

	_, err := c.Credentials(context.Background())
	assert.ErrorIs(t, err, models.ErrCancelled)
}

func TestCredentialsUsesPasswordReaderOnTerminal(t *testing.T) {
	c, _ := testConsole("admin\n")
	c.terminal = true
	c.readPass = func(int) ([]byte, error) { return []byte("hunter2"), nil }

	req, err := c.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", req.Password)
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		c, _ := testConsole(input)
		ok, err := c.confirm("Proceed?")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "input %q", input)
	}
}

func TestProgressPrinterPrintsEachTransitionOnce(t *testing.T) {
	var out bytes.Buffer
	p := newProgressPrinter(&out)

	source := models.VendorInfo{Identifier: "jamf", DisplayName: "Jamf Pro"}
	target := models.VendorDefinition{Identifier: "intune", DisplayName: "Microsoft Intune"}

	state := migration.NewState()
	state.Subscribe(p)
	require.NoError(t, state.Rebuild(source, target, "contoso"))
	require.NoError(t, state.Start())
	require.NoError(t, state.BeginStep(migration.StepCheckPrerequisites))
	require.NoError(t, state.UpdateStepProgress(migration.StepCheckPrerequisites, 50))
	require.NoError(t, state.CompleteStep(migration.StepCheckPrerequisites))
	require.NoError(t, state.BeginStep(migration.StepBackupSettings))
	require.NoError(t, state.FailStep(migration.StepBackupSettings, errors.New("disk full")))

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "Check prerequisites..."), text)
	assert.Contains(t, text, ": done")
	assert.Contains(t, text, "failed: disk full")
}

func TestNotifierReportsCancellationNeutrally(t *testing.T) {
	var out bytes.Buffer
	n := &completionNotifier{out: &out}

	n.MigrationFailed(orchestrator.Report{}, fmt.Errorf("credentials: %w", models.ErrCancelled))
	assert.Contains(t, out.String(), "cancelled")
	assert.NotContains(t, out.String(), "failed")
}

func TestNotifierReportsInterruption(t *testing.T) {
	var out bytes.Buffer
	n := &completionNotifier{out: &out}

	n.MigrationFailed(orchestrator.Report{BackupPath: "/backups/jamf-1"}, fmt.Errorf("remove profiles: %w", context.Canceled))
	assert.Contains(t, out.String(), "interrupted")
	assert.NotContains(t, out.String(), "cancelled")
	assert.Contains(t, out.String(), "/backups/jamf-1")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(models.ErrCancelled))
	assert.Equal(t, exitInterrupted, exitCode(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestPrintFinalStateShowsWhereRunStopped(t *testing.T) {
	source := models.VendorInfo{Identifier: "jamf", DisplayName: "Jamf Pro"}
	target := models.VendorDefinition{Identifier: "intune", DisplayName: "Microsoft Intune"}

	state := migration.NewState()
	require.NoError(t, state.Rebuild(source, target, "contoso"))
	require.NoError(t, state.Start())
	require.NoError(t, state.BeginStep(migration.StepCheckPrerequisites))
	require.NoError(t, state.CompleteStep(migration.StepCheckPrerequisites))
	require.NoError(t, state.BeginStep(migration.StepBackupSettings))
	require.NoError(t, state.FailStep(migration.StepBackupSettings, context.Canceled))

	var out bytes.Buffer
	printFinalState(&out, state.Snapshot())

	text := out.String()
	assert.Contains(t, text, "Migration state: failed")
	assert.Contains(t, text, "Check prerequisites")
	assert.Contains(t, text, string(migration.StepCompleted))
	assert.Contains(t, text, string(migration.StepFailed))
}

func TestDescribeVendor(t *testing.T) {
	assert.Equal(t, "none", describeVendor(models.NoneVendor()))
	assert.Equal(t, "Jamf Pro (agent)", describeVendor(models.VendorInfo{Identifier: "jamf", DisplayName: "Jamf Pro", ManagementType: "agent"}))
}
