package database

import (
	"database/sql"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"create_audit_logs_table", `CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		status TEXT NOT NULL,
		details TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`},

	{"create_backups_table", `CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		vendor_id TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`},

	{"create_audit_logs_indexes", `CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`},
	{"create_backups_vendor_index", `CREATE INDEX IF NOT EXISTS idx_backups_vendor_id ON backups(vendor_id)`},
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		migration TEXT UNIQUE NOT NULL,
		batch INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func hasMigrationRun(db *sql.DB, name string) (bool, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM migrations WHERE migration = ?`, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func recordMigration(db *sql.DB, name string, batch int) error {
	_, err := db.Exec(`INSERT INTO migrations (migration, batch) VALUES (?, ?)`, name, batch)
	return err
}

func nextBatch(db *sql.DB) (int, error) {
	var batch sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(batch) FROM migrations`).Scan(&batch); err != nil {
		return 0, err
	}
	return int(batch.Int64) + 1, nil
}

func runMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	batch, err := nextBatch(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		done, err := hasMigrationRun(db, m.name)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if err := recordMigration(db, m.name, batch); err != nil {
			return err
		}
	}
	return nil
}
