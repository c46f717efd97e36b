package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "fingerprints and workspace cursor",
		SQL: `
CREATE TABLE fingerprints (
    path               TEXT PRIMARY KEY,
    size               INTEGER NOT NULL,
    mtime_ns           INTEGER NOT NULL,
    content_hash       TEXT NOT NULL DEFAULT '',
    last_confirmed_ns  INTEGER NOT NULL DEFAULT 0,
    flags              INTEGER NOT NULL DEFAULT 0,
    force_hash_sweeps  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE cursor (
    id                     INTEGER PRIMARY KEY CHECK (id = 1),
    kind                   TEXT NOT NULL CHECK (kind IN ('git', 'sweep')),
    value                  TEXT NOT NULL DEFAULT '',
    config_hash            TEXT NOT NULL DEFAULT '',
    last_heartbeat_ns      INTEGER NOT NULL DEFAULT 0,
    last_event_ns          INTEGER NOT NULL DEFAULT 0,
    last_reconcile_ok_ns   INTEGER NOT NULL DEFAULT 0,
    last_sweep_ns          INTEGER NOT NULL DEFAULT 0,
    heartbeat_count        INTEGER NOT NULL DEFAULT 0,
    degraded               INTEGER NOT NULL DEFAULT 0,
    sweep_pending          INTEGER NOT NULL DEFAULT 0,
    sweep_reason           TEXT NOT NULL DEFAULT '',
    sequence               INTEGER NOT NULL DEFAULT 0,
    created_ns             INTEGER NOT NULL,
    updated_ns             INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "knowledge artifacts and source routing",
		SQL: `
CREATE TABLE artifacts (
    id                TEXT PRIMARY KEY,
    kind              TEXT NOT NULL CHECK (kind IN ('entity', 'relation', 'claim', 'placeholder')),
    key               TEXT NOT NULL DEFAULT '',
    target_key        TEXT NOT NULL DEFAULT '',
    confidence        REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    valid_from_ns     INTEGER NOT NULL,
    valid_to_ns       INTEGER,
    last_verified_ns  INTEGER NOT NULL DEFAULT 0,
    content_hash      TEXT NOT NULL DEFAULT '',
    supersedes        TEXT NOT NULL DEFAULT '',
    superseded_by     TEXT NOT NULL DEFAULT '',
    model_version     TEXT NOT NULL DEFAULT '',
    provider_id       TEXT NOT NULL DEFAULT '',
    model_id          TEXT NOT NULL DEFAULT '',
    call_digest       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE artifact_sources (
    artifact_id  TEXT NOT NULL,
    path         TEXT NOT NULL,
    PRIMARY KEY (artifact_id, path),
    FOREIGN KEY (artifact_id) REFERENCES artifacts(id) ON DELETE CASCADE
);

CREATE INDEX idx_artifact_sources_path ON artifact_sources(path);
CREATE INDEX idx_artifacts_key ON artifacts(key);
CREATE INDEX idx_artifacts_target ON artifacts(target_key) WHERE target_key != '';
CREATE INDEX idx_artifacts_current ON artifacts(valid_to_ns) WHERE valid_to_ns IS NULL;
`,
	},
	{
		Version:     3,
		Description: "append-only defeater log and engine state",
		SQL: `
CREATE TABLE defeater_events (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    defeater_id  TEXT NOT NULL,
    event_kind   TEXT NOT NULL CHECK (event_kind IN ('activated', 'resolved')),
    type         TEXT NOT NULL,
    target_id    TEXT NOT NULL,
    action       TEXT NOT NULL,
    at_ns        INTEGER NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    method       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_defeater_events_id ON defeater_events(defeater_id);
CREATE INDEX idx_defeater_events_target ON defeater_events(target_id);

CREATE TRIGGER defeater_events_no_update BEFORE UPDATE ON defeater_events
BEGIN
    SELECT RAISE(ABORT, 'defeater log is append-only');
END;

CREATE TRIGGER defeater_events_no_delete BEFORE DELETE ON defeater_events
BEGIN
    SELECT RAISE(ABORT, 'defeater log is append-only');
END;

CREATE TABLE state (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`,
	},
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_ns  INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_versions (version, description, applied_ns) VALUES (?, ?, ?)",
				m.Version, m.Description, time.Now().UnixNano())
			return err
		}); err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
