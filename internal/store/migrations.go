package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order. The persisted shape
// evolved through these steps; never edit an applied migration, append a new
// one.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with users, files, and events",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add user_baselines table for behavioral profiles",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add narratives and narrative_events tables",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Add sharing flags, malware scan fields, and needs_review",
		Up:          migrationV4Up,
		Down:        migrationV4Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
-- Users table (platform accounts)
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    display_name    TEXT,
    email           TEXT
);

-- Files table (platform file metadata)
CREATE TABLE IF NOT EXISTS files (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    mime_type       TEXT,
    created_ns      INTEGER NOT NULL,
    modified_ns     INTEGER NOT NULL,
    trashed         INTEGER NOT NULL DEFAULT 0,
    parents_json    TEXT,
    checksum        TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_checksum ON files(checksum);

-- Events table (immutable audit log)
CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    change_id       TEXT NOT NULL UNIQUE,
    file_id         TEXT REFERENCES files(id) ON DELETE SET NULL,
    event_type      TEXT NOT NULL,
    actor_id        TEXT REFERENCES users(id) ON DELETE SET NULL,
    ts_ns           INTEGER NOT NULL,
    details_json    TEXT,
    analyzed        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns);
CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, ts_ns);
CREATE INDEX IF NOT EXISTS idx_events_analyzed ON events(analyzed, ts_ns);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_events_analyzed;
DROP INDEX IF EXISTS idx_events_actor;
DROP INDEX IF EXISTS idx_events_ts;
DROP TABLE IF EXISTS events;
DROP INDEX IF EXISTS idx_files_checksum;
DROP TABLE IF EXISTS files;
DROP TABLE IF EXISTS users;
`

const migrationV2Up = `
-- Per-user behavioral baselines, single writer per user
CREATE TABLE IF NOT EXISTS user_baselines (
    user_id             TEXT PRIMARY KEY REFERENCES users(id),
    active_hours_json   TEXT NOT NULL,
    total_deletions     INTEGER NOT NULL DEFAULT 0,
    deletion_days       INTEGER NOT NULL DEFAULT 0,
    max_daily_deletions INTEGER NOT NULL DEFAULT 0,
    day_start_ns        INTEGER NOT NULL DEFAULT 0,
    deletions_today     INTEGER NOT NULL DEFAULT 0,
    mass_cleanup_ever   INTEGER NOT NULL DEFAULT 0,
    last_event_ns       INTEGER NOT NULL DEFAULT 0,
    updated_ns          INTEGER NOT NULL DEFAULT 0
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS user_baselines;
`

const migrationV3Up = `
-- Narratives: correlated anomalous event clusters per actor
CREATE TABLE IF NOT EXISTS narratives (
    id              TEXT PRIMARY KEY,
    narrative_type  TEXT NOT NULL,
    actor_id        TEXT NOT NULL,
    start_ns        INTEGER NOT NULL,
    end_ns          INTEGER NOT NULL,
    score           REAL NOT NULL,
    status          TEXT NOT NULL DEFAULT 'new',
    created_ns      INTEGER NOT NULL,
    updated_ns      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_narratives_actor ON narratives(actor_id, status, end_ns);

-- Membership rows are owned by their narrative
CREATE TABLE IF NOT EXISTS narrative_events (
    narrative_id    TEXT NOT NULL REFERENCES narratives(id) ON DELETE CASCADE,
    event_id        INTEGER NOT NULL REFERENCES events(id),
    stage           TEXT NOT NULL,
    added_ns        INTEGER NOT NULL,
    PRIMARY KEY (narrative_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_narrative_events_event ON narrative_events(event_id);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_narrative_events_event;
DROP TABLE IF EXISTS narrative_events;
DROP INDEX IF EXISTS idx_narratives_actor;
DROP TABLE IF EXISTS narratives;
`

const migrationV4Up = `
ALTER TABLE files ADD COLUMN shared_externally INTEGER NOT NULL DEFAULT 0;
ALTER TABLE files ADD COLUMN shared_publicly   INTEGER NOT NULL DEFAULT 0;
ALTER TABLE files ADD COLUMN scan_positives    INTEGER;
ALTER TABLE files ADD COLUMN scanned_ns        INTEGER;
ALTER TABLE events ADD COLUMN needs_review     INTEGER NOT NULL DEFAULT 0;
`

const migrationV4Down = `
ALTER TABLE events DROP COLUMN needs_review;
ALTER TABLE files DROP COLUMN scanned_ns;
ALTER TABLE files DROP COLUMN scan_positives;
ALTER TABLE files DROP COLUMN shared_publicly;
ALTER TABLE files DROP COLUMN shared_externally;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.CurrentVersion = 0
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"users",
		"files",
		"events",
		"user_baselines",
		"narratives",
		"narrative_events",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
