package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/database"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/validation"
	"github.com/pandeptwidyaop/mdm-migrate/internal/version"
)

const (
	manifestFile     = "manifest.json"
	profileExport    = "profiles.plist"
	artifactsDir     = "artifacts"
	backupTimeFormat = "20060102-150405"
	// TenantBackupVendor is the vendor key of tenant settings backups.
	TenantBackupVendor = "tenant"
)

// ProfileExporter writes the profile store to a file.
type ProfileExporter interface {
	Export(ctx context.Context, path string) error
}

// BackupService creates timestamped backup directories and indexes them in
// SQLite. Backups are never deleted.
type BackupService struct {
	db       *database.DB
	profiles ProfileExporter
	audit    *AuditService
	root     string
	log      zerolog.Logger
	now      func() time.Time
}

func NewBackupService(db *database.DB, profiles ProfileExporter, audit *AuditService, root string, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:       db,
		profiles: profiles,
		audit:    audit,
		root:     root,
		log:      log,
		now:      time.Now,
	}
}

// Create exports the profile store into a new backup for vendorID.
func (s *BackupService) Create(ctx context.Context, vendorID string) (*models.BackupRecord, error) {
	if err := validation.ValidateVendorID(vendorID); err != nil {
		return nil, &models.ConfigError{Field: "vendor_id", Message: fmt.Sprintf("invalid vendor id: %v", err)}
	}

	record, err := s.newRecord(vendorID)
	if err != nil {
		return nil, err
	}

	exportPath := filepath.Join(record.Path, profileExport)
	if err := s.profiles.Export(ctx, exportPath); err != nil {
		// Nothing was written yet; don't leave an empty directory behind.
		_ = os.RemoveAll(record.Path)
		s.audit.LogOperation("create_backup", "backup", record.ID, err, map[string]interface{}{"vendor_id": vendorID})
		return nil, fmt.Errorf("failed to export profiles: %w", err)
	}

	manifest := models.BackupManifest{
		Version:       version.Version,
		ExportedAt:    record.CreatedAt.Format(time.RFC3339),
		VendorID:      vendorID,
		ProfileExport: profileExport,
		Artifacts:     []string{},
	}
	if err := s.commit(record, manifest); err != nil {
		return nil, err
	}

	s.log.Info().Str("backup", record.ID).Str("path", record.Path).Msg("Created backup")
	return record, nil
}

// BackupTenantSettings copies the target portal preference files into a new
// backup and returns it.
func (s *BackupService) BackupTenantSettings(ctx context.Context, paths []string) (*models.BackupRecord, error) {
	record, err := s.newRecord(TenantBackupVendor)
	if err != nil {
		return nil, err
	}

	manifest := models.BackupManifest{
		Version:    version.Version,
		ExportedAt: record.CreatedAt.Format(time.RFC3339),
		VendorID:   TenantBackupVendor,
		Artifacts:  []string{},
	}
	if err := s.commit(record, manifest); err != nil {
		return nil, err
	}

	if _, err := s.AddArtifacts(ctx, record.ID, paths); err != nil {
		return nil, err
	}
	return record, nil
}

// AddArtifacts copies files or directories into an existing backup. Missing
// paths are skipped; invalid paths are rejected.
func (s *BackupService) AddArtifacts(ctx context.Context, backupID string, paths []string) (*models.ArtifactResult, error) {
	record, err := s.Get(backupID)
	if err != nil {
		return nil, err
	}

	result := &models.ArtifactResult{Copied: []string{}, Skipped: []string{}}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src, err := validation.SecurePath(p)
		if err != nil {
			return nil, &models.ConfigError{Field: "paths", Message: fmt.Sprintf("invalid artifact path %s: %v", p, err)}
		}

		if _, err := os.Lstat(src); err != nil {
			if os.IsNotExist(err) {
				result.Skipped = append(result.Skipped, p)
				continue
			}
			return nil, err
		}

		dest := filepath.Join(record.Path, artifactsDir, strings.TrimPrefix(filepath.Clean(p), "/"))
		if err := copyTree(src, dest); err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("Failed to copy artifact")
			result.Skipped = append(result.Skipped, p)
			continue
		}
		result.Copied = append(result.Copied, p)
	}

	if err := s.appendManifest(record, result.Copied); err != nil {
		return nil, err
	}

	s.audit.LogOperation("backup_artifacts", "backup", record.ID, nil, map[string]interface{}{
		"copied":  len(result.Copied),
		"skipped": len(result.Skipped),
	})
	return result, nil
}

// Get returns a backup record by id.
func (s *BackupService) Get(id string) (*models.BackupRecord, error) {
	var r models.BackupRecord
	err := s.db.QueryRow(
		"SELECT id, vendor_id, path, created_at FROM backups WHERE id = ?", id,
	).Scan(&r.ID, &r.VendorID, &r.Path, &r.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns every backup, newest first.
func (s *BackupService) List() ([]models.BackupRecord, error) {
	rows, err := s.db.Query("SELECT id, vendor_id, path, created_at FROM backups ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.BackupRecord, 0)
	for rows.Next() {
		var r models.BackupRecord
		if err := rows.Scan(&r.ID, &r.VendorID, &r.Path, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *BackupService) newRecord(vendorID string) (*models.BackupRecord, error) {
	created := s.now().UTC()
	record := &models.BackupRecord{
		ID:        uuid.New().String(),
		VendorID:  vendorID,
		CreatedAt: created,
		Path:      filepath.Join(s.root, fmt.Sprintf("%s-%s", vendorID, created.Format(backupTimeFormat))),
	}

	// Two backups in the same second get distinct directories.
	if _, err := os.Stat(record.Path); err == nil {
		record.Path += "-" + record.ID[:8]
	}

	if err := os.MkdirAll(record.Path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return record, nil
}

func (s *BackupService) commit(record *models.BackupRecord, manifest models.BackupManifest) error {
	if err := writeManifest(record.Path, manifest); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT INTO backups (id, vendor_id, path, created_at) VALUES (?, ?, ?, ?)",
		record.ID, record.VendorID, record.Path, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}

	s.audit.LogOperation("create_backup", "backup", record.ID, nil, map[string]interface{}{
		"vendor_id": record.VendorID,
		"path":      record.Path,
	})
	return nil
}

func (s *BackupService) appendManifest(record *models.BackupRecord, copied []string) error {
	manifest, err := readManifest(record.Path)
	if err != nil {
		return err
	}
	manifest.Artifacts = append(manifest.Artifacts, copied...)
	return writeManifest(record.Path, *manifest)
}

func writeManifest(dir string, manifest models.BackupManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestFile), data, 0600)
}

func readManifest(dir string) (*models.BackupManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile)) // #nosec G304 - backup directory is helper-owned
	if err != nil {
		return nil, fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var manifest models.BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid backup manifest: %w", err)
	}
	return &manifest, nil
}

// copyTree copies a file or directory. Symlinks are recreated, not followed.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode())
		}
		return nil
	})
}

func copyFile(src, dest string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return err
	}

	source, err := os.Open(src) // #nosec G304 - path validated by SecurePath
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, source); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Preserve permissions (non-fatal if fails)
	_ = os.Chmod(dest, mode.Perm())
	return nil
}
