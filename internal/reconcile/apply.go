package reconcile

import (
	"context"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/Aman-CERP/freshness/internal/changeset"
	"github.com/Aman-CERP/freshness/internal/confidence"
	"github.com/Aman-CERP/freshness/internal/detect"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/store"
	"github.com/Aman-CERP/freshness/internal/telemetry"
)

// subBatch is one unit of work committed in a single transaction.
type subBatch struct {
	changes changeset.ChangeSet
	// finish is set on the last sub-batch of a sweep.
	finish   *finish
	observed map[string]store.FileFingerprint
	// reverify re-derives unchanged content without a change decay and
	// leaves the cursor alone.
	reverify bool
}

type subResult struct {
	applied     int
	skipped     int
	failed      []string
	requeued    []string
	invalidated []string
	truncated   bool
	advanced    bool
	cursor      store.Cursor
}

// pass accumulates the writes of one sub-batch.
type pass struct {
	e       *Engine
	plan    subBatch
	now     time.Time
	batch   store.Batch
	changed []string
	// written indexes batch.Artifacts by id so later steps update in place.
	written  map[string]int
	requests []Request
	res      subResult
}

func (e *Engine) applySubBatch(ctx context.Context, plan subBatch) (subResult, error) {
	p := &pass{e: e, plan: plan, now: e.now(), written: make(map[string]int)}

	cursor, err := e.store.GetCursor(ctx)
	if err != nil {
		return subResult{}, err
	}

	var upserts []changeset.Change
	for _, c := range plan.changes.Entries {
		if c.Kind != changeset.Deleted {
			upserts = append(upserts, c)
			continue
		}
		// Atomic saves delete and recreate; what is on disk now wins.
		if _, err := os.Lstat(c.Path); err == nil {
			upserts = append(upserts, changeset.Change{Path: c.Path, Kind: changeset.Modified})
			continue
		}
		if err := p.delete(ctx, c.Path); err != nil {
			return subResult{}, err
		}
	}
	for _, c := range upserts {
		if err := ctx.Err(); err != nil {
			return subResult{}, err
		}
		if err := p.upsert(ctx, c.Path); err != nil {
			return subResult{}, err
		}
	}

	if len(p.changed) > 0 {
		if err := p.invalidate(ctx); err != nil {
			return subResult{}, err
		}
	}

	if fin := plan.finish; fin != nil {
		confirmed := make([]store.FileFingerprint, 0, len(fin.confirmed))
		for _, fp := range fin.confirmed {
			// Content back to what the knowledge was derived from.
			fp.Flags &^= store.FlagExtractionFailed | store.FlagReconcileFailed
			confirmed = append(confirmed, fp)
		}
		p.batch.Upserts = append(confirmed, p.batch.Upserts...)
		p.batch.State = fin.state
		adv := fin.advance
		p.batch.Advance = &adv
	} else if !plan.reverify {
		p.batch.Advance = &store.CursorAdvance{
			Kind:         cursor.Kind,
			Value:        cursor.Value,
			ConfigHash:   cursor.ConfigHash,
			ReconciledAt: p.now,
		}
	}

	committed, err := e.store.CommitBatch(ctx, p.batch)
	if err != nil {
		return subResult{}, err
	}
	p.res.advanced = p.batch.Advance != nil
	p.res.cursor = committed

	for _, ev := range p.batch.DefeaterEvents {
		telemetry.RecordDefeater(string(ev.Type), string(ev.Kind))
	}
	if e.scheduler != nil {
		for _, r := range p.requests {
			e.scheduler.Schedule(r)
		}
	}
	return p.res, nil
}

// put adds or replaces an artifact write.
func (p *pass) put(a store.Artifact) {
	if i, ok := p.written[a.ID]; ok {
		p.batch.Artifacts[i] = a
		return
	}
	p.written[a.ID] = len(p.batch.Artifacts)
	p.batch.Artifacts = append(p.batch.Artifacts, a)
}

func (p *pass) events(evs ...store.DefeaterEvent) {
	p.batch.DefeaterEvents = append(p.batch.DefeaterEvents, evs...)
}

// delete drops path from the sources of its knowledge. Artifacts left
// without sources end and get a source_unavailable defeater.
func (p *pass) delete(ctx context.Context, path string) error {
	_, known, err := p.e.store.GetFingerprint(ctx, path)
	if err != nil {
		return err
	}
	arts, err := p.e.store.ArtifactsBySourcePath(ctx, path)
	if err != nil {
		return err
	}
	if !known && len(arts) == 0 {
		p.res.skipped++
		return nil
	}
	for _, a := range arts {
		a.SourcePaths = slices.DeleteFunc(slices.Clone(a.SourcePaths), func(s string) bool { return s == path })
		if len(a.SourcePaths) > 0 {
			p.put(a)
			continue
		}
		active, err := p.e.store.ActiveDefeatersFor(ctx, a.ID)
		if err != nil {
			return err
		}
		r := p.e.confidence.Recompute(a, active, p.now, confidence.TriggerSourceRemoved)
		ended := r.Artifact
		end := p.now
		ended.ValidTo = &end
		p.put(ended)
		p.events(r.Events...)
	}
	p.batch.Deletes = append(p.batch.Deletes, path)
	p.changed = append(p.changed, path)
	p.res.applied++
	return nil
}

// upsert reconciles one added or modified path.
func (p *pass) upsert(ctx context.Context, path string) error {
	e := p.e
	fp, known, err := e.store.GetFingerprint(ctx, path)
	if err != nil {
		return err
	}

	c, err := detect.Read(path, e.maxHash)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			if known {
				return p.delete(ctx, path)
			}
			p.res.skipped++
			return nil
		}
		tErr := engerrors.TransientIOError(path, err)
		e.logger.Warn("path_requeued", engerrors.LogAttrs(tErr)...)
		p.res.requeued = append(p.res.requeued, path)
		return nil
	}

	next := store.FileFingerprint{
		Path:            path,
		Size:            c.Size,
		ModTime:         c.ModTime,
		ContentHash:     c.Hash,
		LastConfirmedAt: p.now,
		ForceHashSweeps: fp.ForceHashSweeps,
	}
	if obs, ok := p.plan.observed[path]; ok {
		next.ForceHashSweeps = obs.ForceHashSweeps
	}

	if c.Skipped {
		next.Flags = store.FlagChecksumSkipped
		if known && fp.Flags.Has(store.FlagChecksumSkipped) && fp.Size == c.Size && fp.ModTime.Equal(c.ModTime) {
			p.batch.Upserts = append(p.batch.Upserts, next)
			p.res.skipped++
			return nil
		}
		// No content to derive from: the old knowledge takes the change step.
		if err := p.decaySourced(ctx, path, confidence.TriggerDirectChange); err != nil {
			return err
		}
		p.batch.Upserts = append(p.batch.Upserts, next)
		p.changed = append(p.changed, path)
		p.res.applied++
		return nil
	}

	failedBefore := fp.Flags.Has(store.FlagExtractionFailed) || fp.Flags.Has(store.FlagReconcileFailed)
	unchanged := known && fp.ContentHash == c.Hash && !failedBefore
	if unchanged && !p.plan.reverify {
		p.batch.Upserts = append(p.batch.Upserts, next)
		p.res.skipped++
		return nil
	}

	derived, err := e.derive(ctx, path, c.Data)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.extractionFailed(ctx, path, fp, known, next, err)
	}

	if err := p.replace(ctx, path, derived, c.Hash, unchanged && p.plan.reverify); err != nil {
		return err
	}
	p.batch.Upserts = append(p.batch.Upserts, next)
	if !(unchanged && p.plan.reverify) {
		p.changed = append(p.changed, path)
	}
	p.res.applied++
	return nil
}

// derive calls the parser through the breaker. Only provider outages count
// against the breaker; a file the parser rejects is reported separately.
func (e *Engine) derive(ctx context.Context, path string, data []byte) ([]store.Artifact, error) {
	var rejected error
	out, err := engerrors.CircuitExecute(e.breaker, func() ([]store.Artifact, error) {
		arts, err := e.parser.Derive(ctx, path, data)
		if err != nil && ctx.Err() == nil && engerrors.GetCode(err) != engerrors.ErrCodeProviderUnavailable {
			rejected = err
			return nil, nil
		}
		return arts, err
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return out, nil
}

// extractionFailed keeps the previous content hash so the next sweep tries
// again, and flags the knowledge derived from the old content.
func (p *pass) extractionFailed(ctx context.Context, path string, fp store.FileFingerprint, known bool, next store.FileFingerprint, cause error) error {
	provider := engerrors.GetCode(cause) == engerrors.ErrCodeProviderUnavailable
	p.e.logger.Warn("derive_failed",
		append([]any{slog.String("path", path), slog.Bool("provider_unavailable", provider)}, engerrors.LogAttrs(cause)...)...)

	next.ContentHash = ""
	if known {
		next.ContentHash = fp.ContentHash
	}
	next.Flags |= store.FlagExtractionFailed
	p.batch.Upserts = append(p.batch.Upserts, next)
	p.res.failed = append(p.res.failed, path)

	t, reason := store.DefeaterStaleKnowledge, "extraction failed: "+cause.Error()
	if provider {
		t, reason = store.DefeaterSourceUnavailable, "parser unavailable"
	}
	arts, err := p.e.store.ArtifactsBySourcePath(ctx, path)
	if err != nil {
		return err
	}
	for _, a := range arts {
		ev, err := p.e.raise(ctx, a.ID, t, store.ActionFlag, reason, p.now)
		if err != nil {
			return err
		}
		if ev != nil {
			p.events(*ev)
		}
	}
	return nil
}

// replace supersedes the knowledge sourced at path with derived. With
// reverified set the content did not change: matching artifacts are kept,
// their defeaters resolved by reverification and their confidence recovered.
func (p *pass) replace(ctx context.Context, path string, derived []store.Artifact, hash string, reverified bool) error {
	e := p.e
	prev, err := e.store.ArtifactsBySourcePath(ctx, path)
	if err != nil {
		return err
	}
	byKey := make(map[string]store.Artifact, len(prev))
	for _, a := range prev {
		if _, dup := byKey[a.Key]; !dup {
			byKey[a.Key] = a
		}
	}
	version := e.parser.Version()

	for _, d := range derived {
		d.ID = e.newID()
		d.ValidFrom = p.now
		d.ValidTo = nil
		d.ContentHash = hash
		if d.ModelVersion == "" {
			d.ModelVersion = version
		}
		old, had := byKey[d.Key]
		delete(byKey, d.Key)

		switch {
		case !had:
			d = e.confidence.Rederived(nil, d, p.now)
		case reverified:
			recovered, err := p.resolve(ctx, old)
			if err != nil {
				return err
			}
			if old.Kind != store.ArtifactPlaceholder && old.ContentHash == hash {
				p.put(recovered)
				continue
			}
			d.Confidence = recovered.Confidence
			d.LastVerifiedAt = p.now
		default:
			d = e.confidence.Rederived(&old, d, p.now)
		}

		if had {
			end := p.now
			old.ValidTo = &end
			old.SupersededBy = d.ID
			d.Supersedes = old.ID
			p.put(old)
		}
		r := e.confidence.Recompute(d, nil, p.now)
		p.put(r.Artifact)
		p.events(r.Events...)
	}

	// Knowledge the parser produced before but not now is gone from the
	// source. Anything else sourced here was derived by another
	// collaborator and is scheduled for re-derivation.
	for _, old := range byKey {
		if old.ModelVersion == version || old.Kind == store.ArtifactPlaceholder {
			end := p.now
			old.ValidTo = &end
			p.put(old)
			continue
		}
		if reverified {
			continue
		}
		active, err := e.store.ActiveDefeatersFor(ctx, old.ID)
		if err != nil {
			return err
		}
		r := e.confidence.Recompute(old, active, p.now, confidence.TriggerDirectChange)
		p.put(r.Artifact)
		p.events(r.Events...)
		p.requests = append(p.requests, Request{ArtifactID: old.ID, Path: path, Reason: "source changed"})
	}
	return nil
}

// resolve appends reverification resolutions for a's active defeaters and
// returns a with one recovery step applied. Without a defeater to resolve
// there is nothing to recover from: the elapsed decay is folded into the
// stored confidence and a is marked verified.
func (p *pass) resolve(ctx context.Context, a store.Artifact) (store.Artifact, error) {
	active, err := p.e.store.ActiveDefeatersFor(ctx, a.ID)
	if err != nil {
		return a, err
	}
	if len(active) == 0 {
		a.Confidence = p.e.confidence.Effective(a, p.now)
		a.LastVerifiedAt = p.now
		return a, nil
	}
	for _, d := range active {
		ev, _, err := p.e.confidence.Resolve(d, nil, confidence.MethodReverification, "content hash matched", p.now)
		if err != nil {
			return a, err
		}
		p.events(ev)
	}
	return p.e.confidence.Recover(a, confidence.MethodReverification, p.now), nil
}

// decaySourced applies trigger to the current knowledge sourced at path.
func (p *pass) decaySourced(ctx context.Context, path string, trigger confidence.Trigger) error {
	arts, err := p.e.store.ArtifactsBySourcePath(ctx, path)
	if err != nil {
		return err
	}
	for _, a := range arts {
		active, err := p.e.store.ActiveDefeatersFor(ctx, a.ID)
		if err != nil {
			return err
		}
		r := p.e.confidence.Recompute(a, active, p.now, trigger)
		p.put(r.Artifact)
		p.events(r.Events...)
	}
	return nil
}

// invalidate cascades from every changed path of the sub-batch.
func (p *pass) invalidate(ctx context.Context) error {
	res, err := p.e.cascade.InvalidateAll(ctx, p.changed, p.now)
	if err != nil {
		return err
	}
	telemetry.RecordCascade(len(res.Invalidated), res.Truncated)
	p.res.invalidated = append(p.res.invalidated, res.Invalidated...)
	p.res.truncated = p.res.truncated || res.Truncated

	for _, a := range res.Retired {
		p.put(a)
	}
	for _, a := range res.Related {
		p.put(a)
	}
	for _, ph := range res.Placeholders {
		r := p.e.confidence.Recompute(ph, nil, p.now)
		p.put(r.Artifact)
		p.events(r.Events...)
		if len(ph.SourcePaths) > 0 {
			p.requests = append(p.requests, Request{ArtifactID: ph.ID, Path: ph.SourcePaths[0], Reason: "cascade"})
		}
	}
	return nil
}
