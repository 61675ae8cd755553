package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Baseline table for the reference typing session",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Interventions table",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Feedback table",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Session summaries table",
		Up:          migrationV4Up,
		Down:        migrationV4Down,
	},
}

const migrationV1Up = `
-- Single-row baseline
CREATE TABLE IF NOT EXISTS baseline (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    session_start_ns    INTEGER NOT NULL,
    last_activity_ns    INTEGER NOT NULL,
    total_keystrokes    INTEGER NOT NULL,
    total_backspaces    INTEGER NOT NULL,
    total_compiles      INTEGER NOT NULL,
    failed_compiles     INTEGER NOT NULL,
    sessions            INTEGER NOT NULL,
    updated_at_ns       INTEGER NOT NULL
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS baseline;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS interventions (
    id                  TEXT PRIMARY KEY,
    timestamp_ns        INTEGER NOT NULL,
    level               TEXT NOT NULL,
    type                TEXT NOT NULL,
    severity            TEXT NOT NULL,
    title               TEXT NOT NULL,
    message             TEXT NOT NULL,
    hint                TEXT,
    error_type          TEXT,
    options             TEXT NOT NULL,
    accepted            INTEGER NOT NULL DEFAULT 0,
    dismissed           INTEGER NOT NULL DEFAULT 0,
    response_time_ns    INTEGER,
    relief_score        INTEGER NOT NULL DEFAULT -1,
    confidence          REAL NOT NULL,
    triggered_features  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interventions_timestamp ON interventions(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_interventions_level ON interventions(level);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_interventions_level;
DROP INDEX IF EXISTS idx_interventions_timestamp;
DROP TABLE IF EXISTS interventions;
`

const migrationV3Up = `
-- Feedback may outlive the intervention it rates, so no foreign key.
CREATE TABLE IF NOT EXISTS feedback (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns        INTEGER NOT NULL,
    intervention_id     TEXT NOT NULL,
    rating              INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
    comment             TEXT,
    helpful             INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_intervention ON feedback(intervention_id);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_feedback_intervention;
DROP TABLE IF EXISTS feedback;
`

const migrationV4Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id          TEXT NOT NULL DEFAULT '',
    start_ns            INTEGER NOT NULL,
    end_ns              INTEGER NOT NULL,
    total_keystrokes    INTEGER NOT NULL,
    total_backspaces    INTEGER NOT NULL,
    total_compiles      INTEGER NOT NULL,
    failed_compiles     INTEGER NOT NULL,
    repeated_errors     INTEGER NOT NULL,
    wpm                 REAL NOT NULL,
    export_path         TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_ns);
CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
`

const migrationV4Down = `
DROP INDEX IF EXISTS idx_sessions_start;
DROP TABLE IF EXISTS sessions;
`

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	applied_at  INTEGER NOT NULL,
	description TEXT
)`

// requiredTables must all exist once every migration has run.
var requiredTables = []string{"baseline", "interventions", "feedback", "sessions", "schema_migrations"}

// inTx runs fn in a transaction, rolling back when it fails.
func inTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrateDB brings the history database up to the latest schema.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return ValidateSchema(db)
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// RollbackMigration undoes the newest applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}
	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == current })
	if i < 0 {
		return fmt.Errorf("migration %d not found", current)
	}

	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(migrations[i].Down); err != nil {
			return fmt.Errorf("roll back migration %d: %w", current, err)
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current)
		return err
	})
}

// MigrationStatus lists applied and pending migrations.
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

// GetMigrationStatus reports which migrations have run. A database without
// the migrations table has everything pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var (
			am AppliedMigration
			ns int64
		)
		if err := rows.Scan(&am.Version, &ns, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, ns)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true
		status.CurrentVersion = max(status.CurrentVersion, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that every history table exists.
func ValidateSchema(db *sql.DB) error {
	var missing []string
	for _, table := range requiredTables {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}
