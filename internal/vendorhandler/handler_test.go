package vendorhandler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
)

// fakeSystem is a stateful device: removal commands and profile removals
// mutate it so verification sees their effects.
type fakeSystem struct {
	mu sync.Mutex

	profiles []string
	paths    map[string]bool
	loaded   map[string]bool
	running  bool
	enrolled bool

	// effects run when a removal command succeeds, keyed "vendor/index".
	effects    map[string]func(f *fakeSystem)
	commandErr map[string]error
	// stubborn profiles survive targeted removal, pinned ones survive everything.
	stubborn map[string]bool
	pinned   map[string]bool

	unenrollErr  error
	processErr   error
	removeAllErr error
	backupErr    error
	artifactErr  error

	calls     []string
	artifacts []string
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		paths:      map[string]bool{"/usr/bin/profiles": true},
		loaded:     map[string]bool{},
		effects:    map[string]func(f *fakeSystem){},
		commandErr: map[string]error{},
		stubborn:   map[string]bool{},
		pinned:     map[string]bool{},
	}
}

func (f *fakeSystem) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeSystem) ListProfiles(ctx context.Context) (*models.ProfileList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	ids := append([]string{}, f.profiles...)
	return &models.ProfileList{Count: len(ids), Identifiers: ids}, nil
}

func (f *fakeSystem) RemoveProfile(ctx context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove " + identifier)
	if f.stubborn[identifier] || f.pinned[identifier] {
		return &models.CommandError{Command: "profiles remove", ExitCode: 1}
	}
	f.drop(identifier)
	return nil
}

func (f *fakeSystem) drop(identifier string) {
	kept := f.profiles[:0]
	for _, p := range f.profiles {
		if p != identifier {
			kept = append(kept, p)
		}
	}
	f.profiles = kept
}

func (f *fakeSystem) RemoveAllProfiles(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove-all")
	if f.removeAllErr != nil {
		return f.removeAllErr
	}
	var kept []string
	for _, p := range f.profiles {
		if f.pinned[p] {
			kept = append(kept, p)
		}
	}
	f.profiles = kept
	f.enrolled = false
	return nil
}

func (f *fakeSystem) RunRemovalCommand(ctx context.Context, vendorID string, index int) (*models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%d", vendorID, index)
	f.record("command " + key)
	if err := f.commandErr[key]; err != nil {
		return nil, err
	}
	if effect := f.effects[key]; effect != nil {
		effect(f)
	}
	return &models.CommandResult{Status: models.StatusSuccess}, nil
}

func (f *fakeSystem) RunUnenrollCommand(ctx context.Context, vendorID string) (*models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unenroll " + vendorID)
	if f.unenrollErr != nil {
		return nil, f.unenrollErr
	}
	return &models.CommandResult{Status: models.StatusSuccess}, nil
}

func (f *fakeSystem) BackupProfiles(ctx context.Context, vendorID string) (*models.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("backup " + vendorID)
	if f.backupErr != nil {
		return nil, f.backupErr
	}
	return &models.BackupRecord{ID: "b1", VendorID: vendorID, Path: "/backups/" + vendorID + "-1"}, nil
}

func (f *fakeSystem) BackupArtifacts(ctx context.Context, backupID string, paths []string) (*models.ArtifactResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("artifacts " + backupID)
	f.artifacts = append(f.artifacts, paths...)
	if f.artifactErr != nil {
		return nil, f.artifactErr
	}
	return &models.ArtifactResult{Copied: paths}, nil
}

func (f *fakeSystem) Status(ctx context.Context) (*models.HelperStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.HelperStatus{MDMEnrolled: f.enrolled}, nil
}

func (f *fakeSystem) PathExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[path]
}

func (f *fakeSystem) ProcessRunning(ctx context.Context, names []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, f.processErr
}

func (f *fakeSystem) LaunchdLoaded(ctx context.Context, label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[label]
}

func (f *fakeSystem) commandCalls() []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, "command ") {
			out = append(out, strings.TrimPrefix(c, "command "))
		}
	}
	return out
}

func newFactory(t *testing.T, sys System) (*Factory, *registry.Registry) {
	t.Helper()
	reg, err := registry.NewDefault()
	require.NoError(t, err)
	return NewFactory(reg, sys, zerolog.Nop()), reg
}

func jamfInfo(reg *registry.Registry) models.VendorInfo {
	def, _ := reg.GetVendor("jamf")
	return models.InfoFromDefinition(def, nil, "intune")
}

func TestRemoveProfiles_JamfBinaryFirst(t *testing.T) {
	sys := newFakeSystem()
	sys.paths["/usr/local/bin/jamf"] = true
	sys.paths["/usr/local/jamf/bin/jamf"] = true
	sys.loaded["com.jamfsoftware.jamf.daemon"] = true
	sys.running = true
	sys.profiles = []string{"com.jamfsoftware.tcc.management", "com.example.wifi"}

	sys.effects["jamf/0"] = func(f *fakeSystem) {
		f.drop("com.jamfsoftware.tcc.management")
	}
	sys.effects["jamf/1"] = func(f *fakeSystem) {
		delete(f.paths, "/usr/local/bin/jamf")
		delete(f.paths, "/usr/local/jamf/bin/jamf")
		delete(f.loaded, "com.jamfsoftware.jamf.daemon")
		f.running = false
	}

	factory, reg := newFactory(t, sys)
	h := factory.For(jamfInfo(reg))

	ok, err := h.RemoveProfiles(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"jamf/0", "jamf/1"}, sys.commandCalls())
	assert.Equal(t, "command jamf/0", sys.calls[0], "binary removal runs before the profile sweep")
	assert.NotContains(t, sys.calls, "remove-all")
	assert.Equal(t, []string{"com.example.wifi"}, sys.profiles)
}

func TestRemoveProfiles_CommandFailureContinues(t *testing.T) {
	sys := newFakeSystem()
	sys.paths["/usr/local/bin/jamf"] = true
	sys.profiles = []string{"com.jamf.mdm"}
	sys.commandErr["jamf/0"] = &models.CommandError{Command: "jamf removeMdmProfile", ExitCode: 1}
	sys.effects["jamf/1"] = func(f *fakeSystem) {
		delete(f.paths, "/usr/local/bin/jamf")
	}

	factory, reg := newFactory(t, sys)
	ok, err := factory.For(jamfInfo(reg)).RemoveProfiles(context.Background())

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"jamf/0", "jamf/1"}, sys.commandCalls())
	assert.Contains(t, sys.calls, "remove com.jamf.mdm", "sweep removes what the commands left")
}

func TestRemoveProfiles_PrivilegeErrorAborts(t *testing.T) {
	sys := newFakeSystem()
	sys.paths["/usr/local/bin/jamf"] = true
	sys.commandErr["jamf/0"] = fmt.Errorf("dial: %w", models.ErrHelperUnreachable)

	factory, reg := newFactory(t, sys)
	ok, err := factory.For(jamfInfo(reg)).RemoveProfiles(context.Background())

	assert.False(t, ok)
	assert.ErrorIs(t, err, models.ErrHelperUnreachable)
	assert.Equal(t, []string{"jamf/0"}, sys.commandCalls())
}

func TestRemoveProfiles_SweepFallsBackToRemoveAll(t *testing.T) {
	sys := newFakeSystem()
	sys.profiles = []string{"io.kandji.mdm", "io.kandji.settings", "com.example.wifi"}
	sys.stubborn["io.kandji.settings"] = true

	factory, reg := newFactory(t, sys)
	def, _ := reg.GetVendor("kandji")
	h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

	ok, err := h.RemoveProfiles(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, sys.calls, "remove io.kandji.mdm")
	assert.Contains(t, sys.calls, "remove-all")
	assert.Empty(t, sys.commandCalls(), "kandji binary is not installed")
}

func TestRemoveProfiles_PinnedProfileFailsVerification(t *testing.T) {
	sys := newFakeSystem()
	sys.profiles = []string{"io.kandji.mdm"}
	sys.pinned["io.kandji.mdm"] = true

	factory, reg := newFactory(t, sys)
	def, _ := reg.GetVendor("kandji")
	h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

	ok, err := h.RemoveProfiles(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveProfiles_VerificationGate(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fakeSystem)
	}{
		{"clean", func(f *fakeSystem) {}},
		{"pinned profile", func(f *fakeSystem) {
			f.profiles = []string{"com.mosyle.mdm"}
			f.pinned["com.mosyle.mdm"] = true
		}},
		{"agent path left", func(f *fakeSystem) {
			f.paths["/Library/Application Support/Mosyle"] = true
		}},
		{"removable profile", func(f *fakeSystem) {
			f.profiles = []string{"com.mosyle.mdm", "com.example.vpn"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sys := newFakeSystem()
			tc.setup(sys)
			factory, reg := newFactory(t, sys)
			def, _ := reg.GetVendor("mosyle")
			h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

			removed, err := h.RemoveProfiles(context.Background())
			require.NoError(t, err)

			verified, err := h.VerifyUnenrollment(context.Background())
			require.NoError(t, err)
			assert.Equal(t, verified, removed)

			remaining, err := h.RemainingEvidence(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(remaining) == 0, removed)
		})
	}
}

func TestRemoveProfiles_UnknownVendorUsesGenericPath(t *testing.T) {
	sys := newFakeSystem()
	sys.enrolled = true
	sys.profiles = []string{"com.acme.mdm"}
	sys.effects["unknown_mdm/0"] = func(f *fakeSystem) {
		f.profiles = nil
		f.enrolled = false
	}

	factory, _ := newFactory(t, sys)
	h := factory.For(models.UnknownVendor([]string{"com.acme.mdm"}))

	ok, err := h.RemoveProfiles(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"unknown_mdm/0"}, sys.commandCalls())
	assert.Contains(t, sys.calls, "remove-all")
}

func TestRemoveProfiles_UnknownVendorStillEnrolled(t *testing.T) {
	sys := newFakeSystem()
	sys.enrolled = true
	sys.removeAllErr = &models.CommandError{Command: "profiles remove -all", ExitCode: 1}

	factory, _ := newFactory(t, sys)
	h := factory.For(models.UnknownVendor(nil))

	ok, err := h.RemoveProfiles(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := h.RemainingEvidence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MDM enrollment"}, remaining)
}

func TestHubPreMigrationUnenrolls(t *testing.T) {
	sys := newFakeSystem()
	sys.paths["/usr/local/bin/hubcli"] = true

	factory, reg := newFactory(t, sys)
	def, _ := reg.GetVendor("workspaceone")
	h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

	require.NoError(t, h.PerformPreMigrationTasks(context.Background()))
	assert.Equal(t, []string{"unenroll workspaceone"}, sys.calls)

	sys.calls = nil
	sys.unenrollErr = errors.New("hub not responding")
	err := h.PerformPreMigrationTasks(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Workspace ONE UEM unenroll failed")
}

func TestHubPreMigrationSkipsMissingAgent(t *testing.T) {
	sys := newFakeSystem()

	factory, reg := newFactory(t, sys)
	def, _ := reg.GetVendor("workspaceone")
	h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

	require.NoError(t, h.PerformPreMigrationTasks(context.Background()))
	assert.Empty(t, sys.calls)
}

func TestHubVerificationChecksProcess(t *testing.T) {
	sys := newFakeSystem()
	sys.running = true

	factory, reg := newFactory(t, sys)
	def, _ := reg.GetVendor("workspaceone")
	h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

	ok, err := h.VerifyUnenrollment(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentVerificationFailsWhenProcessesUnknown(t *testing.T) {
	sys := newFakeSystem()
	sys.processErr = errors.New("process table unavailable")

	factory, reg := newFactory(t, sys)
	h := factory.For(jamfInfo(reg))

	remaining, err := h.RemainingEvidence(context.Background())
	require.NoError(t, err)
	assert.Contains(t, remaining, "process Jamf Pro state unknown")

	ok, err := h.VerifyUnenrollment(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenericTasksAreNoOps(t *testing.T) {
	sys := newFakeSystem()
	factory, reg := newFactory(t, sys)
	def, _ := reg.GetVendor("kandji")
	h := factory.For(models.InfoFromDefinition(def, nil, "intune"))

	assert.NoError(t, h.PerformPreMigrationTasks(context.Background()))
	assert.NoError(t, h.PerformPostMigrationTasks(context.Background()))
	assert.Empty(t, sys.calls)
}

func TestBackupConfiguration_AgentArtifacts(t *testing.T) {
	sys := newFakeSystem()
	factory, reg := newFactory(t, sys)

	path, err := factory.For(jamfInfo(reg)).BackupConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/backups/jamf-1", path)

	assert.Contains(t, sys.artifacts, "/Library/Preferences/com.jamfsoftware.jamf.plist")
	assert.Contains(t, sys.artifacts, "/Library/LaunchDaemons/com.jamf.management.daemon.plist")

	seen := map[string]int{}
	for _, p := range sys.artifacts {
		seen[p]++
	}
	assert.Equal(t, 1, seen["/Library/LaunchDaemons/com.jamfsoftware.jamf.daemon.plist"])
}

func TestBackupConfiguration_ArtifactFailureIsNotFatal(t *testing.T) {
	sys := newFakeSystem()
	sys.artifactErr = errors.New("disk full")
	factory, reg := newFactory(t, sys)

	path, err := factory.For(jamfInfo(reg)).BackupConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/backups/jamf-1", path)
}

func TestBackupConfiguration_ProfileExportFails(t *testing.T) {
	sys := newFakeSystem()
	sys.backupErr = models.ErrNoPrivileges
	factory, reg := newFactory(t, sys)

	path, err := factory.For(jamfInfo(reg)).BackupConfiguration(context.Background())
	assert.Empty(t, path)
	assert.ErrorIs(t, err, models.ErrNoPrivileges)
}

func TestFactory_Kinds(t *testing.T) {
	factory, _ := newFactory(t, newFakeSystem())

	assert.Equal(t, models.HandlerAgent, factory.Kind("jamf"))
	assert.Equal(t, models.HandlerHub, factory.Kind("workspaceone"))
	assert.Equal(t, models.HandlerTarget, factory.Kind("intune"))
	assert.Equal(t, models.HandlerGeneric, factory.Kind("kandji"))
	assert.Equal(t, models.HandlerGeneric, factory.Kind("not-registered"))

	h := factory.For(models.VendorInfo{Identifier: "not-registered", DisplayName: "Mystery"})
	assert.Equal(t, "not-registered", h.Vendor().Identifier)
}
