package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

type fakeExporter struct {
	err   error
	paths []string
}

func (f *fakeExporter) Export(_ context.Context, path string) error {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(path, []byte("<plist/>"), 0600)
}

func newBackupService(t *testing.T, exporter *fakeExporter) (*services.BackupService, string) {
	t.Helper()
	audit, db := newAudit(t)
	root := t.TempDir()
	return services.NewBackupService(db, exporter, audit, root, zerolog.Nop()), root
}

func readTestManifest(t *testing.T, dir string) models.BackupManifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	var m models.BackupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid manifest: %v", err)
	}
	return m
}

func TestBackupService_Create(t *testing.T) {
	exporter := &fakeExporter{}
	svc, root := newBackupService(t, exporter)

	record, err := svc.Create(context.Background(), "jamf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(filepath.Base(record.Path), "jamf-") {
		t.Errorf("expected directory keyed by vendor, got %s", record.Path)
	}
	if filepath.Dir(record.Path) != root {
		t.Errorf("expected backup under %s, got %s", root, record.Path)
	}
	if _, err := os.Stat(filepath.Join(record.Path, "profiles.plist")); err != nil {
		t.Errorf("expected profile export: %v", err)
	}

	manifest := readTestManifest(t, record.Path)
	if manifest.VendorID != "jamf" || manifest.ProfileExport != "profiles.plist" {
		t.Errorf("unexpected manifest: %+v", manifest)
	}

	got, err := svc.Get(record.ID)
	if err != nil {
		t.Fatalf("failed to get backup: %v", err)
	}
	if got.Path != record.Path || got.VendorID != "jamf" {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestBackupService_CreateSameSecondGetsDistinctDirectories(t *testing.T) {
	svc, _ := newBackupService(t, &fakeExporter{})

	first, err := svc.Create(context.Background(), "kandji")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Create(context.Background(), "kandji")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Path == second.Path {
		t.Error("expected distinct backup directories")
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 backups, got %d", len(list))
	}
}

func TestBackupService_CreateExportFailure(t *testing.T) {
	exporter := &fakeExporter{err: &models.CommandError{Command: "profiles show", ExitCode: 1}}
	svc, root := newBackupService(t, exporter)

	_, err := svc.Create(context.Background(), "jamf")
	var cmdErr *models.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("expected failed backup directory to be removed, found %d entries", len(entries))
	}
	list, _ := svc.List()
	if len(list) != 0 {
		t.Errorf("expected no backup record, got %d", len(list))
	}
}

func TestBackupService_AddArtifacts(t *testing.T) {
	svc, _ := newBackupService(t, &fakeExporter{})
	record, err := svc.Create(context.Background(), "jamf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src := t.TempDir()
	prefs := filepath.Join(src, "com.jamfsoftware.jamf.plist")
	if err := os.WriteFile(prefs, []byte("jss_url"), 0644); err != nil {
		t.Fatal(err)
	}
	supportDir := filepath.Join(src, "JAMF")
	if err := os.MkdirAll(filepath.Join(supportDir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(supportDir, "bin", "agent.conf"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(src, "missing.plist")

	result, err := svc.AddArtifacts(context.Background(), record.ID, []string{prefs, supportDir, missing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Copied) != 2 {
		t.Errorf("expected 2 copied artifacts, got %v", result.Copied)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != missing {
		t.Errorf("expected missing path to be skipped, got %v", result.Skipped)
	}

	copied := filepath.Join(record.Path, "artifacts", strings.TrimPrefix(prefs, "/"))
	data, err := os.ReadFile(copied)
	if err != nil || string(data) != "jss_url" {
		t.Errorf("expected artifact copy at %s: %v", copied, err)
	}
	nested := filepath.Join(record.Path, "artifacts", strings.TrimPrefix(supportDir, "/"), "bin", "agent.conf")
	if _, err := os.Stat(nested); err != nil {
		t.Errorf("expected directory artifact copy: %v", err)
	}

	manifest := readTestManifest(t, record.Path)
	if len(manifest.Artifacts) != 2 {
		t.Errorf("expected manifest to list 2 artifacts, got %v", manifest.Artifacts)
	}
}

func TestBackupService_AddArtifactsRejectsSystemPaths(t *testing.T) {
	svc, _ := newBackupService(t, &fakeExporter{})
	record, err := svc.Create(context.Background(), "jamf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, p := range []string{"/etc", "relative/path", "/tmp/../etc/passwd"} {
		_, err := svc.AddArtifacts(context.Background(), record.ID, []string{p})
		var cfgErr *models.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("expected ConfigError for %q, got %v", p, err)
		}
	}
}

func TestBackupService_UnknownBackup(t *testing.T) {
	svc, _ := newBackupService(t, &fakeExporter{})

	_, err := svc.AddArtifacts(context.Background(), "missing", []string{"/tmp/x"})
	if !errors.Is(err, models.ErrBackupNotFound) {
		t.Errorf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestBackupService_BackupTenantSettings(t *testing.T) {
	exporter := &fakeExporter{}
	svc, _ := newBackupService(t, exporter)

	src := t.TempDir()
	prefs := filepath.Join(src, "com.microsoft.CompanyPortalMac.plist")
	if err := os.WriteFile(prefs, []byte("tenant"), 0644); err != nil {
		t.Fatal(err)
	}

	record, err := svc.BackupTenantSettings(context.Background(), []string{prefs, filepath.Join(src, "managed.plist")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.VendorID != services.TenantBackupVendor {
		t.Errorf("expected tenant backup, got %s", record.VendorID)
	}
	if len(exporter.paths) != 0 {
		t.Error("expected tenant backup not to export profiles")
	}

	manifest := readTestManifest(t, record.Path)
	if len(manifest.Artifacts) != 1 || manifest.Artifacts[0] != prefs {
		t.Errorf("unexpected manifest artifacts: %v", manifest.Artifacts)
	}
}
