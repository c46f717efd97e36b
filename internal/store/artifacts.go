package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const artifactColumns = `a.id, a.kind, a.key, a.target_key, a.confidence, a.valid_from_ns, a.valid_to_ns,
	a.last_verified_ns, a.content_hash, a.supersedes, a.superseded_by, a.model_version,
	a.provider_id, a.model_id, a.call_digest`

// PutArtifacts upserts artifacts and their source paths.
func (s *SQLiteStore) PutArtifacts(ctx context.Context, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error { return putArtifacts(ctx, tx, artifacts) })
}

func putArtifacts(ctx context.Context, tx *sql.Tx, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (id, kind, key, target_key, confidence, valid_from_ns, valid_to_ns,
			last_verified_ns, content_hash, supersedes, superseded_by, model_version,
			provider_id, model_id, call_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			key = excluded.key,
			target_key = excluded.target_key,
			confidence = excluded.confidence,
			valid_from_ns = excluded.valid_from_ns,
			valid_to_ns = excluded.valid_to_ns,
			last_verified_ns = excluded.last_verified_ns,
			content_hash = excluded.content_hash,
			supersedes = excluded.supersedes,
			superseded_by = excluded.superseded_by,
			model_version = excluded.model_version,
			provider_id = excluded.provider_id,
			model_id = excluded.model_id,
			call_digest = excluded.call_digest`)
	if err != nil {
		return fmt.Errorf("failed to prepare artifact upsert: %w", err)
	}
	defer upsert.Close()

	for _, a := range artifacts {
		var validTo any
		if a.ValidTo != nil {
			validTo = a.ValidTo.UnixNano()
		}
		if _, err := upsert.ExecContext(ctx, a.ID, string(a.Kind), a.Key, a.Target, clamp01(a.Confidence),
			toNS(a.ValidFrom), validTo, toNS(a.LastVerifiedAt), a.ContentHash, a.Supersedes,
			a.SupersededBy, a.ModelVersion, a.Provenance.ProviderID, a.Provenance.ModelID,
			a.Provenance.CallDigest); err != nil {
			return fmt.Errorf("failed to upsert artifact %s: %w", a.ID, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM artifact_sources WHERE artifact_id = ?", a.ID); err != nil {
			return fmt.Errorf("failed to clear sources for %s: %w", a.ID, err)
		}
		for _, p := range a.SourcePaths {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO artifact_sources (artifact_id, path) VALUES (?, ?)", a.ID, p); err != nil {
				return fmt.Errorf("failed to insert source for %s: %w", a.ID, err)
			}
		}
	}
	return nil
}

// GetArtifact returns the artifact with id and whether it exists.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (Artifact, bool, error) {
	list, err := s.queryArtifacts(ctx, "SELECT "+artifactColumns+" FROM artifacts a WHERE a.id = ?", id)
	if err != nil {
		return Artifact{}, false, err
	}
	if len(list) == 0 {
		return Artifact{}, false, nil
	}
	return list[0], true, nil
}

// ArtifactsBySourcePath returns current artifacts that list path as a source.
func (s *SQLiteStore) ArtifactsBySourcePath(ctx context.Context, path string) ([]Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts a
		JOIN artifact_sources src ON src.artifact_id = a.id
		WHERE src.path = ? AND a.valid_to_ns IS NULL
		ORDER BY a.key, a.id`, path)
}

// ArtifactsByKey returns every version of the artifact key, oldest first.
func (s *SQLiteStore) ArtifactsByKey(ctx context.Context, key string) ([]Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts a
		WHERE a.key = ? ORDER BY a.valid_from_ns, a.id`, key)
}

// RelationsTargeting returns current relations whose target is one of keys.
// Placeholders standing in for invalidated relations keep their target and
// are included.
func (s *SQLiteStore) RelationsTargeting(ctx context.Context, keys []string) ([]Artifact, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts a
		WHERE a.kind IN ('relation', 'placeholder') AND a.valid_to_ns IS NULL
		AND a.target_key IN (`+placeholders(len(keys))+`)
		ORDER BY a.id`, args...)
}

// ListCurrentArtifacts returns every current artifact.
func (s *SQLiteStore) ListCurrentArtifacts(ctx context.Context) ([]Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts a
		WHERE a.valid_to_ns IS NULL ORDER BY a.id`)
}

func (s *SQLiteStore) queryArtifacts(ctx context.Context, query string, args ...any) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}

	var (
		out   []Artifact
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			a              Artifact
			kind           string
			from, verified int64
			validTo        sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &kind, &a.Key, &a.Target, &a.Confidence, &from, &validTo,
			&verified, &a.ContentHash, &a.Supersedes, &a.SupersededBy, &a.ModelVersion,
			&a.Provenance.ProviderID, &a.Provenance.ModelID, &a.Provenance.CallDigest); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Kind = ArtifactKind(kind)
		a.ValidFrom = fromNS(from)
		a.LastVerifiedAt = fromNS(verified)
		if validTo.Valid {
			t := time.Unix(0, validTo.Int64)
			a.ValidTo = &t
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	if err := s.loadSources(ctx, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

// sourceChunk keeps IN lists well below SQLite's bound-variable limit.
const sourceChunk = 500

func (s *SQLiteStore) loadSources(ctx context.Context, artifacts []Artifact, index map[string]int) error {
	for start := 0; start < len(artifacts); start += sourceChunk {
		end := min(start+sourceChunk, len(artifacts))
		ids := make([]any, 0, end-start)
		for _, a := range artifacts[start:end] {
			ids = append(ids, a.ID)
		}
		if err := s.loadSourceChunk(ctx, ids, artifacts, index); err != nil {
			return err
		}
	}
	for i := range artifacts {
		sort.Strings(artifacts[i].SourcePaths)
	}
	return nil
}

func (s *SQLiteStore) loadSourceChunk(ctx context.Context, ids []any, artifacts []Artifact, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT artifact_id, path FROM artifact_sources WHERE artifact_id IN ("+placeholders(len(ids))+")", ids...)
	if err != nil {
		return fmt.Errorf("failed to load artifact sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, p string
		if err := rows.Scan(&id, &p); err != nil {
			return fmt.Errorf("failed to scan artifact source: %w", err)
		}
		if i, ok := index[id]; ok {
			artifacts[i].SourcePaths = append(artifacts[i].SourcePaths, p)
		}
	}
	return rows.Err()
}

// ErrArtifactNotFound is returned by lookups that require an existing artifact.
var ErrArtifactNotFound = errors.New("artifact not found")

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
