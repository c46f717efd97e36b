package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	engerrors "github.com/Aman-CERP/freshness/internal/errors"
)

// DBFileName is the fingerprint database name inside the data directory.
const DBFileName = "freshness.db"

// SQLiteStore persists engine state in SQLite (modernc.org/sqlite, no CGO).
// Readers (status queries) go through the same single connection; SQLite WAL
// keeps them from blocking on other processes' writers.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	rebuilt bool
	closed  atomic.Bool
}

// Open opens (or creates) the store at path. A database that fails
// PRAGMA integrity_check is removed and recreated empty; Rebuilt() then
// reports true so the caller can force a full sweep.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}

	rebuilt := false
	if validErr := validateIntegrity(path); validErr != nil {
		slog.Error("fingerprint_store_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))

		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, engerrors.CorruptStoreError(path, fmt.Errorf("%v (remove failed: %w)", validErr, removeErr))
		}
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
		rebuilt = true

		slog.Warn("fingerprint_store_cleared",
			slog.String("path", path),
			slog.String("reason", "corruption detected, full sweep required"))
	}

	s, err := openDSN(path, path)
	if err != nil {
		return nil, err
	}
	s.rebuilt = rebuilt
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*SQLiteStore, error) {
	return openDSN(":memory:", ":memory:")
}

func openDSN(dsn, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Verify runs the integrity check Open runs, without repairing anything.
// A missing database verifies.
func Verify(path string) error {
	return validateIntegrity(path)
}

// validateIntegrity returns nil for a missing or healthy database.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// Path returns the database path (":memory:" for in-memory stores).
func (s *SQLiteStore) Path() string { return s.path }

// Rebuilt reports whether Open discarded a corrupt database.
func (s *SQLiteStore) Rebuilt() bool { return s.rebuilt }

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.path != ":memory:" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- fingerprints ---

const fingerprintColumns = "path, size, mtime_ns, content_hash, last_confirmed_ns, flags, force_hash_sweeps"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (FileFingerprint, error) {
	var (
		fp               FileFingerprint
		mtime, confirmed int64
		flags            uint32
	)
	if err := row.Scan(&fp.Path, &fp.Size, &mtime, &fp.ContentHash, &confirmed, &flags, &fp.ForceHashSweeps); err != nil {
		return FileFingerprint{}, err
	}
	fp.ModTime = fromNS(mtime)
	fp.LastConfirmedAt = fromNS(confirmed)
	fp.Flags = Flags(flags)
	return fp, nil
}

// GetFingerprint returns the fingerprint for path and whether it exists.
func (s *SQLiteStore) GetFingerprint(ctx context.Context, path string) (FileFingerprint, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fingerprintColumns+" FROM fingerprints WHERE path = ?", path)
	fp, err := scanFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileFingerprint{}, false, nil
	}
	if err != nil {
		return FileFingerprint{}, false, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, true, nil
}

// ListFingerprints returns all fingerprints keyed by path.
func (s *SQLiteStore) ListFingerprints(ctx context.Context) (map[string]FileFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+fingerprintColumns+" FROM fingerprints")
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]FileFingerprint)
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		out[fp.Path] = fp
	}
	return out, rows.Err()
}

// UpsertFingerprints writes fingerprints outside of a reconcile batch
// (confirmations, forced-hash bookkeeping).
func (s *SQLiteStore) UpsertFingerprints(ctx context.Context, fps []FileFingerprint) error {
	if len(fps) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return upsertFingerprints(ctx, tx, fps) })
}

func upsertFingerprints(ctx context.Context, tx *sql.Tx, fps []FileFingerprint) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fingerprints (`+fingerprintColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mtime_ns = excluded.mtime_ns,
			content_hash = excluded.content_hash,
			last_confirmed_ns = excluded.last_confirmed_ns,
			flags = excluded.flags,
			force_hash_sweeps = excluded.force_hash_sweeps`)
	if err != nil {
		return fmt.Errorf("failed to prepare fingerprint upsert: %w", err)
	}
	defer stmt.Close()

	for _, fp := range fps {
		if _, err := stmt.ExecContext(ctx, fp.Path, fp.Size, toNS(fp.ModTime), fp.ContentHash,
			toNS(fp.LastConfirmedAt), uint32(fp.Flags), fp.ForceHashSweeps); err != nil {
			return fmt.Errorf("failed to upsert fingerprint %s: %w", fp.Path, err)
		}
	}
	return nil
}

// DeleteFingerprints removes fingerprints for paths.
func (s *SQLiteStore) DeleteFingerprints(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return deleteFingerprints(ctx, tx, paths) })
}

func deleteFingerprints(ctx context.Context, tx *sql.Tx, paths []string) error {
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, "DELETE FROM fingerprints WHERE path = ?", p); err != nil {
			return fmt.Errorf("failed to delete fingerprint %s: %w", p, err)
		}
	}
	return nil
}

// SetFlags sets and clears flag bits on an existing fingerprint. Unknown
// paths are ignored.
func (s *SQLiteStore) SetFlags(ctx context.Context, path string, set, unset Flags) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE fingerprints SET flags = (flags | ?) & ~? WHERE path = ?",
		uint32(set), uint32(unset), path)
	if err != nil {
		return fmt.Errorf("failed to set flags on %s: %w", path, err)
	}
	return nil
}

// --- cursor ---

const cursorColumns = `kind, value, config_hash, last_heartbeat_ns, last_event_ns, last_reconcile_ok_ns,
	last_sweep_ns, heartbeat_count, degraded, sweep_pending, sweep_reason, sequence, created_ns, updated_ns`

// GetCursor returns the workspace cursor; the zero Cursor when not bootstrapped.
func (s *SQLiteStore) GetCursor(ctx context.Context) (Cursor, error) {
	return getCursor(ctx, s.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getCursor(ctx context.Context, q queryRower) (Cursor, error) {
	var (
		c                                   Cursor
		kind                                string
		hb, ev, ok, sweep, created, updated int64
		degraded, pending                   bool
	)
	err := q.QueryRowContext(ctx, "SELECT "+cursorColumns+" FROM cursor WHERE id = 1").Scan(
		&kind, &c.Value, &c.ConfigHash, &hb, &ev, &ok, &sweep, &c.HeartbeatCount,
		&degraded, &pending, &c.SweepReason, &c.Sequence, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	c.Kind = CursorKind(kind)
	c.LastHeartbeatAt = fromNS(hb)
	c.LastEventAt = fromNS(ev)
	c.LastReconcileOkAt = fromNS(ok)
	c.LastSweepAt = fromNS(sweep)
	c.Degraded = degraded
	c.SweepPending = pending
	c.CreatedAt = fromNS(created)
	c.UpdatedAt = fromNS(updated)
	return c, nil
}

// BootstrapCursor creates the cursor if it does not exist. A new cursor starts
// with SweepPending set: nothing has been reconciled yet.
func (s *SQLiteStore) BootstrapCursor(ctx context.Context, configHash string, now time.Time) (Cursor, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cursor (id, kind, value, config_hash, last_heartbeat_ns, sweep_pending, sweep_reason, created_ns, updated_ns)
		VALUES (1, 'sweep', '', ?, ?, 1, 'bootstrap', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		configHash, toNS(now), toNS(now), toNS(now))
	if err != nil {
		return Cursor{}, false, fmt.Errorf("failed to bootstrap cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	c, err := s.GetCursor(ctx)
	return c, n > 0, err
}

// ResetCursor deletes the cursor. The next bootstrap starts from scratch.
func (s *SQLiteStore) ResetCursor(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cursor"); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// RecordHeartbeat bumps the heartbeat counter and timestamp.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, at time.Time) error {
	return s.updateCursor(ctx, "heartbeat",
		"last_heartbeat_ns = ?, heartbeat_count = heartbeat_count + 1, updated_ns = ?", toNS(at), toNS(at))
}

// TouchEvent records the time of the latest accepted event window.
func (s *SQLiteStore) TouchEvent(ctx context.Context, at time.Time) error {
	return s.updateCursor(ctx, "event",
		"last_event_ns = MAX(last_event_ns, ?), updated_ns = ?", toNS(at), toNS(at))
}

// MarkSweepPending records that a full sweep is required. The flag is only
// cleared by a committed sweep (CursorAdvance.SweepCompleted).
func (s *SQLiteStore) MarkSweepPending(ctx context.Context, reason string) error {
	return s.updateCursor(ctx, "sweep pending",
		"sweep_pending = 1, sweep_reason = ?, updated_ns = ?", reason, toNS(time.Now()))
}

// SetDegraded sets the degraded marker without advancing the cursor.
func (s *SQLiteStore) SetDegraded(ctx context.Context, degraded bool) error {
	return s.updateCursor(ctx, "degraded", "degraded = ?, updated_ns = ?", degraded, toNS(time.Now()))
}

func (s *SQLiteStore) updateCursor(ctx context.Context, what, set string, args ...any) error {
	res, err := s.db.ExecContext(ctx, "UPDATE cursor SET "+set+" WHERE id = 1", args...)
	if err != nil {
		return fmt.Errorf("failed to update cursor %s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update cursor %s: cursor not bootstrapped", what)
	}
	return nil
}

// CommitBatch writes a sub-batch and advances the cursor in one transaction.
// It returns the cursor as committed.
func (s *SQLiteStore) CommitBatch(ctx context.Context, b Batch) (Cursor, error) {
	var committed Cursor
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteFingerprints(ctx, tx, b.Deletes); err != nil {
			return err
		}
		if err := upsertFingerprints(ctx, tx, b.Upserts); err != nil {
			return err
		}
		if err := putArtifacts(ctx, tx, b.Artifacts); err != nil {
			return err
		}
		if err := appendDefeaterEvents(ctx, tx, b.DefeaterEvents); err != nil {
			return err
		}
		for k, v := range b.State {
			if err := setState(ctx, tx, k, v); err != nil {
				return err
			}
		}
		if b.Advance != nil {
			if err := advanceCursor(ctx, tx, *b.Advance); err != nil {
				return err
			}
		}
		c, err := getCursor(ctx, tx)
		committed = c
		return err
	})
	if err != nil {
		return Cursor{}, err
	}
	return committed, nil
}

func advanceCursor(ctx context.Context, tx *sql.Tx, a CursorAdvance) error {
	at := toNS(a.ReconciledAt)
	set := []string{
		"kind = ?", "value = ?", "config_hash = ?",
		"last_reconcile_ok_ns = MAX(last_reconcile_ok_ns, ?)",
		"sequence = sequence + 1", "updated_ns = ?",
	}
	args := []any{string(a.Kind), a.Value, a.ConfigHash, at, at}
	if a.SweepCompleted {
		set = append(set, "sweep_pending = 0", "sweep_reason = ''", "last_sweep_ns = ?")
		args = append(args, at)
	}
	if a.Degraded != nil {
		set = append(set, "degraded = ?")
		args = append(args, *a.Degraded)
	}

	res, err := tx.ExecContext(ctx, "UPDATE cursor SET "+strings.Join(set, ", ")+" WHERE id = 1", args...)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to advance cursor: cursor not bootstrapped")
	}
	return nil
}

// Rebuild drops fingerprints and the cursor after corruption. Artifacts and the
// defeater log are kept; the following sweep re-establishes fingerprints.
func (s *SQLiteStore) Rebuild(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM fingerprints"); err != nil {
			return fmt.Errorf("failed to clear fingerprints: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM cursor"); err != nil {
			return fmt.Errorf("failed to clear cursor: %w", err)
		}
		return nil
	})
}

// --- state ---

// GetState returns a key-value state entry, empty when missing.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return v, nil
}

// SetState writes a key-value state entry.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	return setState(ctx, s.db, key, value)
}

func setState(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// Stats summarizes table sizes for status output.
type Stats struct {
	Fingerprints     int
	CurrentArtifacts int
	DefeaterEvents   int
}

// Stats returns table counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM fingerprints),
		(SELECT COUNT(*) FROM artifacts WHERE valid_to_ns IS NULL),
		(SELECT COUNT(*) FROM defeater_events)`).Scan(&st.Fingerprints, &st.CurrentArtifacts, &st.DefeaterEvents)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return st, nil
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
