package confidence

import (
	"fmt"
	"time"

	"github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/store"
)

// ResolutionMethod is how a defeater was cleared.
type ResolutionMethod string

const (
	// MethodReverification is a re-derivation whose fingerprint matched.
	MethodReverification       ResolutionMethod = "reverification"
	MethodHumanConfirmation    ResolutionMethod = "human_confirmation"
	MethodCrossSourceAgreement ResolutionMethod = "cross_source_agreement"
)

// ParseMethod validates a resolution method name.
func ParseMethod(s string) (ResolutionMethod, error) {
	switch m := ResolutionMethod(s); m {
	case MethodReverification, MethodHumanConfirmation, MethodCrossSourceAgreement:
		return m, nil
	default:
		return "", errors.ValidationError(fmt.Sprintf("unknown resolution method %q", s), nil).
			WithSuggestion("use reverification, human_confirmation or cross_source_agreement")
	}
}

// ActionFor returns the consumer action attached to a defeater type.
func ActionFor(t store.DefeaterType) store.DefeaterAction {
	switch t {
	case store.DefeaterContradiction:
		return store.ActionRequireVerification
	case store.DefeaterSourceUnavailable:
		return store.ActionInvalidate
	default:
		return store.ActionFlag
	}
}

// Activate builds the activation record of a new defeater.
func (e *Engine) Activate(targetID string, t store.DefeaterType, reason string, now time.Time) store.DefeaterEvent {
	return store.DefeaterEvent{
		DefeaterID: e.newID(),
		Kind:       store.EventActivated,
		Type:       t,
		TargetID:   targetID,
		Action:     ActionFor(t),
		At:         now,
		Reason:     reason,
	}
}

// Result is the outcome of Recompute.
type Result struct {
	// Artifact carries the stored confidence after step decays.
	Artifact  store.Artifact
	Effective float64
	// Events are activations for rules that hold and are not already active.
	Events []store.DefeaterEvent
}

// Recompute applies the triggers' step decays and evaluates every rule.
// active lists the artifact's unresolved defeaters; rules that no longer hold
// do not resolve them.
func (e *Engine) Recompute(a store.Artifact, active []store.Defeater, now time.Time, triggers ...Trigger) Result {
	contradiction, removed := false, false
	for _, t := range triggers {
		a = e.Step(a, t)
		switch t {
		case TriggerContradiction:
			contradiction = true
		case TriggerSourceRemoved:
			removed = true
		}
	}
	eff := e.Effective(a, now)
	res := Result{Artifact: a, Effective: eff}

	has := make(map[store.DefeaterType]bool, len(active))
	for _, d := range active {
		if d.Active() && d.TargetArtifactID == a.ID {
			has[d.Type] = true
		}
	}
	raise := func(t store.DefeaterType, reason string) {
		if has[t] {
			return
		}
		has[t] = true
		res.Events = append(res.Events, e.Activate(a.ID, t, reason, now))
	}

	if eff < e.cfg.LowConfidenceThreshold {
		raise(store.DefeaterLowConfidence,
			fmt.Sprintf("confidence %.2f below %.2f", eff, e.cfg.LowConfidenceThreshold))
	}
	if stale := e.cfg.StalenessThreshold.Std(); stale > 0 && !a.LastVerifiedAt.IsZero() {
		if age := now.Sub(a.LastVerifiedAt); age > stale {
			raise(store.DefeaterStaleKnowledge,
				fmt.Sprintf("unverified for %s", age.Round(time.Minute)))
		}
	}
	if contradiction {
		raise(store.DefeaterContradiction, "contradiction reported")
	}
	if removed {
		raise(store.DefeaterSourceUnavailable, "source removed")
	}
	return res
}

// Evaluate runs the time-based rules over current artifacts.
func (e *Engine) Evaluate(artifacts []store.Artifact, active []store.Defeater, now time.Time) []store.DefeaterEvent {
	byTarget := make(map[string][]store.Defeater)
	for _, d := range active {
		byTarget[d.TargetArtifactID] = append(byTarget[d.TargetArtifactID], d)
	}
	var events []store.DefeaterEvent
	for _, a := range artifacts {
		if !a.Current() {
			continue
		}
		events = append(events, e.Recompute(a, byTarget[a.ID], now, TriggerTime).Events...)
	}
	return append(events, e.CheckCalibration(byTarget[WorkspaceTarget], now)...)
}

// CheckCalibration raises a workspace calibration_drift defeater when the
// rolling calibration error exceeds the threshold.
func (e *Engine) CheckCalibration(active []store.Defeater, now time.Time) []store.DefeaterEvent {
	mae, ok := e.calibration.Error()
	if !ok || mae <= e.cfg.CalibrationThreshold {
		return nil
	}
	for _, d := range active {
		if d.Active() && d.Type == store.DefeaterCalibrationDrift {
			return nil
		}
	}
	return []store.DefeaterEvent{e.Activate(WorkspaceTarget, store.DefeaterCalibrationDrift,
		fmt.Sprintf("calibration error %.3f over %d samples exceeds %.2f", mae, e.calibration.Len(), e.cfg.CalibrationThreshold), now)}
}

// Resolve appends a resolution for d. When target is non-nil the recovery
// step is applied to it and the updated artifact is returned.
func (e *Engine) Resolve(d store.Defeater, target *store.Artifact, method ResolutionMethod, reason string, now time.Time) (store.DefeaterEvent, *store.Artifact, error) {
	if !d.Active() {
		return store.DefeaterEvent{}, nil, errors.ValidationError("defeater already resolved", nil).
			WithDetail("defeater_id", d.ID)
	}
	if _, err := ParseMethod(string(method)); err != nil {
		return store.DefeaterEvent{}, nil, err
	}

	ev := store.DefeaterEvent{
		DefeaterID: d.ID,
		Kind:       store.EventResolved,
		Type:       d.Type,
		TargetID:   d.TargetArtifactID,
		Action:     d.Action,
		At:         now,
		Reason:     reason,
		Method:     string(method),
	}
	if target == nil {
		return ev, nil, nil
	}

	if method != MethodReverification {
		// An external confirmation tells us the prediction was right.
		e.calibration.Record(e.Effective(*target, now), true)
	}
	recovered := e.Recover(*target, method, now)
	return ev, &recovered, nil
}

// Recover applies one bounded recovery step. Only human confirmation may
// lift confidence above the recovery ceiling.
func (e *Engine) Recover(a store.Artifact, method ResolutionMethod, now time.Time) store.Artifact {
	ceiling := e.cfg.RecoveryCeiling
	if method == MethodHumanConfirmation {
		ceiling = 1
	}
	eff := e.Effective(a, now)
	if eff < ceiling {
		eff = min(eff+e.cfg.RecoveryStep, ceiling)
	}
	a.Confidence = Clamp(eff)
	a.LastVerifiedAt = now
	return a
}
