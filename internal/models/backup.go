package models

import "time"

// BackupRecord is a timestamped directory holding a profile export and
// vendor artifacts. Backups are never deleted by the migrator.
type BackupRecord struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	VendorID  string    `json:"vendor_id"`
	Path      string    `json:"path"`
}

// BackupManifest is written as manifest.json at the root of every backup.
type BackupManifest struct {
	Version       string   `json:"version"`
	ExportedAt    string   `json:"exported_at"`
	VendorID      string   `json:"vendor_id"`
	ProfileExport string   `json:"profile_export"`
	Artifacts     []string `json:"artifacts"`
}

// ArtifactRequest asks the helper to copy vendor artifacts into a backup.
type ArtifactRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

// ArtifactResult lists what was copied and what was skipped.
type ArtifactResult struct {
	Copied  []string `json:"copied"`
	Skipped []string `json:"skipped"`
}

// BackupRequest asks the helper to create a profile backup for a vendor.
type BackupRequest struct {
	VendorID string `json:"vendor_id" binding:"required"`
}
