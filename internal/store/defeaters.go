package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendDefeaterEvents appends records to the defeater log. The log rejects
// updates and deletes at the schema level.
func (s *SQLiteStore) AppendDefeaterEvents(ctx context.Context, events []DefeaterEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return appendDefeaterEvents(ctx, tx, events) })
}

func appendDefeaterEvents(ctx context.Context, tx *sql.Tx, events []DefeaterEvent) error {
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO defeater_events (defeater_id, event_kind, type, target_id, action, at_ns, reason, method)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.DefeaterID, string(ev.Kind), string(ev.Type), ev.TargetID, string(ev.Action),
			toNS(ev.At), ev.Reason, ev.Method); err != nil {
			return fmt.Errorf("failed to append defeater event %s: %w", ev.DefeaterID, err)
		}
	}
	return nil
}

// DefeaterHistory returns log records in append order. An empty targetID
// returns the whole log.
func (s *SQLiteStore) DefeaterHistory(ctx context.Context, targetID string) ([]DefeaterEvent, error) {
	query := "SELECT seq, defeater_id, event_kind, type, target_id, action, at_ns, reason, method FROM defeater_events"
	var args []any
	if targetID != "" {
		query += " WHERE target_id = ?"
		args = append(args, targetID)
	}
	query += " ORDER BY seq"
	return s.queryEvents(ctx, query, args...)
}

// ActiveDefeaters returns unresolved defeaters. With currentOnly set, defeaters
// on superseded or invalidated artifacts are left out; defeaters whose target
// is not an artifact (workspace-scoped) are always included.
func (s *SQLiteStore) ActiveDefeaters(ctx context.Context, currentOnly bool) ([]Defeater, error) {
	query := `SELECT e.seq, e.defeater_id, e.event_kind, e.type, e.target_id, e.action, e.at_ns, e.reason, e.method
		FROM defeater_events e
		WHERE e.event_kind = 'activated'
		AND NOT EXISTS (
			SELECT 1 FROM defeater_events r
			WHERE r.defeater_id = e.defeater_id AND r.event_kind = 'resolved'
		)`
	if currentOnly {
		query += `
		AND (
			e.target_id IN (SELECT id FROM artifacts WHERE valid_to_ns IS NULL)
			OR e.target_id NOT IN (SELECT id FROM artifacts)
		)`
	}
	query += " ORDER BY e.seq"

	events, err := s.queryEvents(ctx, query)
	if err != nil {
		return nil, err
	}
	return FoldDefeaters(events), nil
}

// ActiveDefeatersFor returns unresolved defeaters on one target.
func (s *SQLiteStore) ActiveDefeatersFor(ctx context.Context, targetID string) ([]Defeater, error) {
	events, err := s.DefeaterHistory(ctx, targetID)
	if err != nil {
		return nil, err
	}
	var active []Defeater
	for _, d := range FoldDefeaters(events) {
		if d.Active() {
			active = append(active, d)
		}
	}
	return active, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]DefeaterEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query defeater log: %w", err)
	}
	defer rows.Close()

	var out []DefeaterEvent
	for rows.Next() {
		var (
			ev                DefeaterEvent
			kind, typ, action string
			at                int64
		)
		if err := rows.Scan(&ev.Seq, &ev.DefeaterID, &kind, &typ, &ev.TargetID, &action,
			&at, &ev.Reason, &ev.Method); err != nil {
			return nil, fmt.Errorf("failed to scan defeater event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.Type = DefeaterType(typ)
		ev.Action = DefeaterAction(action)
		ev.At = fromNS(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
