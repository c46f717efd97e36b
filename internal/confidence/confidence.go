// Package confidence computes artifact confidence over time and decides
// which defeaters an artifact has earned.
//
// A stored confidence is the value as of the artifact's LastVerifiedAt.
// Baseline decay is applied on read:
//
//	effective = stored * DecayFactor ^ hoursSinceVerification
//
// Step decays multiply the stored value directly, which is equivalent to
// multiplying the effective value and leaves the verification time alone.
package confidence

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/store"
)

// Trigger is a discrete event that moves confidence.
type Trigger string

const (
	TriggerDirectChange  Trigger = "direct_change"
	TriggerRelatedChange Trigger = "related_change"
	TriggerCascade       Trigger = "cascade"
	TriggerModelUpgrade  Trigger = "model_upgrade"
	TriggerContradiction Trigger = "contradiction"
	TriggerSourceRemoved Trigger = "source_removed"
	// TriggerTime re-evaluates time-based rules only.
	TriggerTime Trigger = "time"
)

// WorkspaceTarget is the defeater target for workspace-wide conditions.
const WorkspaceTarget = "workspace"

// Engine applies decay, step multipliers and defeater rules.
type Engine struct {
	cfg         config.ConfidenceConfig
	calibration *CalibrationTracker
	newID       func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator overrides defeater id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an engine from the confidence configuration.
func NewEngine(cfg config.ConfidenceConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		calibration: NewCalibrationTracker(cfg.CalibrationWindow),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() config.ConfidenceConfig { return e.cfg }

// Calibration returns the rolling calibration tracker.
func (e *Engine) Calibration() *CalibrationTracker { return e.calibration }

// Effective returns the artifact's confidence at now.
func (e *Engine) Effective(a store.Artifact, now time.Time) float64 {
	return Effective(a, e.cfg.DecayFactor, now)
}

// Effective applies baseline decay to a stored confidence.
func Effective(a store.Artifact, factor float64, now time.Time) float64 {
	hours := now.Sub(a.LastVerifiedAt).Hours()
	if hours <= 0 || a.LastVerifiedAt.IsZero() {
		return Clamp(a.Confidence)
	}
	return Clamp(a.Confidence * math.Pow(factor, hours))
}

// Multiplier returns the step multiplier for a trigger; 1 for triggers
// without a step.
func (e *Engine) Multiplier(t Trigger) float64 {
	switch t {
	case TriggerDirectChange:
		return e.cfg.DirectChangeStep
	case TriggerRelatedChange:
		return e.cfg.RelatedChangeStep
	case TriggerCascade:
		return e.cfg.CascadeStep
	case TriggerModelUpgrade:
		return e.cfg.ModelUpgradeStep
	default:
		return 1
	}
}

// Step applies one step decay for trigger.
func (e *Engine) Step(a store.Artifact, t Trigger) store.Artifact {
	a.Confidence = Clamp(a.Confidence * e.Multiplier(t))
	return a
}

// Rederived sets the confidence of a freshly derived artifact. A replacement
// of earlier knowledge starts from the previous effective confidence with the
// direct-change step; new knowledge keeps the deriver's initial value.
// Either way the artifact counts as verified at now.
func (e *Engine) Rederived(prev *store.Artifact, derived store.Artifact, now time.Time) store.Artifact {
	derived.LastVerifiedAt = now
	if prev != nil {
		derived.Confidence = e.Effective(*prev, now) * e.cfg.DirectChangeStep
	}
	derived.Confidence = Clamp(derived.Confidence)
	return derived
}

// ApplyModelUpgrade applies the model-upgrade step to every current artifact
// not yet on version and stamps the version, so the step lands once per
// version.
func (e *Engine) ApplyModelUpgrade(artifacts []store.Artifact, version string) []store.Artifact {
	var changed []store.Artifact
	for _, a := range artifacts {
		if !a.Current() || a.ModelVersion == version {
			continue
		}
		a = e.Step(a, TriggerModelUpgrade)
		a.ModelVersion = version
		changed = append(changed, a)
	}
	return changed
}

// Clamp bounds a confidence to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
