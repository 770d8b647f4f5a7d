package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/vendorhandler"
)

// fakeDevice is a managed Mac: it answers the detector, the vendor handlers
// and the orchestrator, and removal commands mutate it.
type fakeDevice struct {
	mu sync.Mutex

	profiles []string
	paths    map[string]bool
	loaded   map[string]bool
	running  bool
	certs    string

	enrolled       bool
	fileVault      bool
	gatekeeper     bool
	tenant         string
	enrollConfirms bool

	effects   map[string]func(d *fakeDevice)
	backupErr error
	statusErr error

	calls []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		paths:          map[string]bool{},
		loaded:         map[string]bool{},
		effects:        map[string]func(d *fakeDevice){},
		enrolled:       true,
		fileVault:      true,
		gatekeeper:     true,
		enrollConfirms: true,
	}
}

func (d *fakeDevice) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *fakeDevice) called(prefix string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDevice) indexOf(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (d *fakeDevice) ListProfiles(ctx context.Context) (*models.ProfileList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := append([]string{}, d.profiles...)
	return &models.ProfileList{Count: len(ids), Identifiers: ids, Raw: strings.Join(ids, "\n")}, nil
}

func (d *fakeDevice) ListCertificates(ctx context.Context) (string, error) {
	return d.certs, nil
}

func (d *fakeDevice) PathExists(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paths[path]
}

func (d *fakeDevice) RemoveProfile(ctx context.Context, identifier string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("remove " + identifier)
	kept := d.profiles[:0]
	for _, p := range d.profiles {
		if p != identifier {
			kept = append(kept, p)
		}
	}
	d.profiles = kept
	return nil
}

func (d *fakeDevice) RemoveAllProfiles(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("remove-all")
	d.profiles = nil
	d.enrolled = false
	return nil
}

func (d *fakeDevice) RunRemovalCommand(ctx context.Context, vendorID string, index int) (*models.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := fmt.Sprintf("%s/%d", vendorID, index)
	d.record("command " + key)
	if effect := d.effects[key]; effect != nil {
		effect(d)
	}
	return &models.CommandResult{Status: models.StatusSuccess}, nil
}

func (d *fakeDevice) RunUnenrollCommand(ctx context.Context, vendorID string) (*models.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("unenroll " + vendorID)
	return &models.CommandResult{Status: models.StatusSuccess}, nil
}

func (d *fakeDevice) BackupProfiles(ctx context.Context, vendorID string) (*models.BackupRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("backup " + vendorID)
	if d.backupErr != nil {
		return nil, d.backupErr
	}
	return &models.BackupRecord{ID: "b1", VendorID: vendorID, Path: "/backups/" + vendorID}, nil
}

func (d *fakeDevice) BackupArtifacts(ctx context.Context, backupID string, paths []string) (*models.ArtifactResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("artifacts " + backupID)
	return &models.ArtifactResult{Copied: paths}, nil
}

func (d *fakeDevice) BackupTenantSettings(ctx context.Context) (*models.BackupRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("backup-tenant")
	if d.backupErr != nil {
		return nil, d.backupErr
	}
	return &models.BackupRecord{ID: "b2", VendorID: "tenant", Path: "/backups/tenant"}, nil
}

func (d *fakeDevice) Status(ctx context.Context) (*models.HelperStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("status")
	if d.statusErr != nil {
		return nil, d.statusErr
	}
	return &models.HelperStatus{
		MDMEnrolled:           d.enrolled,
		DiskEncryptionEnabled: d.fileVault,
		SecurityPolicyEnabled: d.gatekeeper,
	}, nil
}

func (d *fakeDevice) ProcessRunning(ctx context.Context, names []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running, nil
}

func (d *fakeDevice) LaunchdLoaded(ctx context.Context, label string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded[label]
}

func (d *fakeDevice) Tenant(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tenant, nil
}

func (d *fakeDevice) UpdatePortal(ctx context.Context) (*models.PortalResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("portal")
	return &models.PortalResult{AppPath: "/Applications/Company Portal.app", Downloaded: 1024}, nil
}

func (d *fakeDevice) Enroll(ctx context.Context, tenant string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("enroll " + tenant)
	if d.enrollConfirms {
		d.enrolled = true
	}
	return nil
}

func (d *fakeDevice) RotateRecoveryKey(ctx context.Context, req models.RotationRequest) (*models.RotationResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("rotate " + req.Username)
	return &models.RotationResult{Outcome: models.RotationRotated, RecoveryKey: "ABCD-EFGH"}, nil
}

// stubHandler lets a test fail or block individual capabilities.
type stubHandler struct {
	info      models.VendorInfo
	preErr    error
	postErr   error
	backupErr error
	removeErr error
	clean     bool
	block     chan struct{}
	entered   chan struct{}

	mu    sync.Mutex
	calls []string
}

func (h *stubHandler) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *stubHandler) Vendor() models.VendorInfo { return h.info }

func (h *stubHandler) RemoveProfiles(ctx context.Context) (bool, error) {
	h.record("remove")
	if h.entered != nil {
		close(h.entered)
	}
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return h.clean, h.removeErr
}

func (h *stubHandler) BackupConfiguration(ctx context.Context) (string, error) {
	h.record("backup")
	if h.backupErr != nil {
		return "", h.backupErr
	}
	return "/backups/stub", nil
}

func (h *stubHandler) PerformPreMigrationTasks(ctx context.Context) error {
	h.record("pre")
	return h.preErr
}

func (h *stubHandler) PerformPostMigrationTasks(ctx context.Context) error {
	h.record("post")
	return h.postErr
}

func (h *stubHandler) VerifyUnenrollment(ctx context.Context) (bool, error) {
	h.record("verify")
	return h.clean, nil
}

func (h *stubHandler) RemainingEvidence(ctx context.Context) ([]string, error) {
	if h.clean {
		return nil, nil
	}
	return []string{"profile com.example.mdm"}, nil
}

type stubFactory struct{ h *stubHandler }

func (f stubFactory) For(info models.VendorInfo) vendorhandler.Handler {
	f.h.info = info
	return f.h
}

type staticDetector struct{ info models.VendorInfo }

func (d staticDetector) DetectPrimaryMDM(ctx context.Context) models.VendorInfo { return d.info }

type compat struct{ ok bool }

func (c compat) IsCompatible(ctx context.Context, minimum string) (bool, error) { return c.ok, nil }

type recordingNotifier struct {
	mu        sync.Mutex
	completed []Report
	failed    []error
}

func (n *recordingNotifier) MigrationCompleted(r Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, r)
}

func (n *recordingNotifier) MigrationFailed(r Report, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, err)
}
