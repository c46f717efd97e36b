package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/telemetry"
)

// State is a Recovery Controller state.
type State string

const (
	StateHealthy        State = "HEALTHY"
	StateDegraded       State = "DEGRADED"
	StateDiagnosing     State = "DIAGNOSING"
	StateRecovering     State = "RECOVERING"
	StateDegradedStable State = "DEGRADED_STABLE"
)

// AllStates lists every state, for one-hot gauges.
var AllStates = []string{
	string(StateHealthy), string(StateDegraded), string(StateDiagnosing),
	string(StateRecovering), string(StateDegradedStable),
}

// Budget is the per-hour allowance of recovery work. Each allowance
// refills one unit every hour/n and never grants more than n within any
// rolling hour, including the first hour after start.
type Budget struct {
	mu       sync.Mutex
	sweeps   *hourly
	rederive *hourly
	cfg      config.RecoveryConfig
}

// NewBudget creates a budget from configuration. A non-positive limit
// means unlimited.
func NewBudget(cfg config.RecoveryConfig) *Budget {
	return &Budget{
		sweeps:   perHour(cfg.MaxSweepsPerHour),
		rederive: perHour(cfg.MaxRederivationsPerHour),
		cfg:      cfg,
	}
}

// hourly pairs a token bucket with the grants of the trailing hour. The
// bucket alone would let an idle period bank n tokens and spend them next
// to n refills.
type hourly struct {
	limiter *rate.Limiter
	n       int
	granted []time.Time
}

func perHour(n int) *hourly {
	if n <= 0 {
		return &hourly{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &hourly{
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), n),
		n:       n,
	}
}

func (h *hourly) unlimited() bool {
	return h.limiter.Limit() == rate.Inf
}

// prune drops grants older than one hour before now.
func (h *hourly) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(h.granted) && !h.granted[i].After(cutoff) {
		i++
	}
	h.granted = h.granted[i:]
}

func (h *hourly) allow(now time.Time, k int) bool {
	if h.unlimited() {
		return true
	}
	h.prune(now)
	if len(h.granted)+k > h.n {
		return false
	}
	if !h.limiter.AllowN(now, k) {
		return false
	}
	for i := 0; i < k; i++ {
		h.granted = append(h.granted, now)
	}
	return true
}

func (h *hourly) remaining(now time.Time) int {
	if h.unlimited() {
		return -1
	}
	h.prune(now)
	left := h.n - len(h.granted)
	if t := int(h.limiter.TokensAt(now)); t < left {
		left = t
	}
	if left < 0 {
		return 0
	}
	return left
}

// AllowSweep takes one sweep from the budget.
func (b *Budget) AllowSweep(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweeps.allow(now, 1)
}

// AllowRederive takes n re-derivations from the budget, all or nothing.
func (b *Budget) AllowRederive(now time.Time, n int) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rederive.allow(now, n)
}

// Remaining reports the whole sweeps and re-derivations left at now.
func (b *Budget) Remaining(now time.Time) (sweeps, rederivations int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweeps.remaining(now), b.rederive.remaining(now)
}

// Diagnosis is what the DIAGNOSING state found.
type Diagnosis struct {
	Check *CheckResult
}

// Actions are the recovery operations the controller drives.
type Actions struct {
	// Diagnose checks fingerprints against knowledge.
	Diagnose func(ctx context.Context) (*CheckResult, error)
	// Sweep runs a full catch-up sweep.
	Sweep func(ctx context.Context) error
	// Repair fixes what a sweep cannot see, such as orphaned knowledge.
	// Optional.
	Repair func(ctx context.Context, d Diagnosis) error
}

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// RecoveryController is the HEALTHY -> DEGRADED -> DIAGNOSING -> RECOVERING
// -> HEALTHY | DEGRADED_STABLE state machine.
type RecoveryController struct {
	mu        sync.Mutex
	state     State
	reason    string
	budget    *Budget
	actions   Actions
	diagnosis Diagnosis
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	onChange  func(Transition)
}

// ControllerOption configures a RecoveryController.
type ControllerOption func(*RecoveryController)

// WithClock sets the controller clock.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *RecoveryController) { c.now = now }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *RecoveryController) { c.logger = l }
}

// WithTransitionHook is called, outside the controller lock, on every
// state change.
func WithTransitionHook(fn func(Transition)) ControllerOption {
	return func(c *RecoveryController) { c.onChange = fn }
}

// NewRecoveryController creates a controller in HEALTHY.
func NewRecoveryController(cfg config.RecoveryConfig, actions Actions, opts ...ControllerOption) *RecoveryController {
	c := &RecoveryController{
		state:   StateHealthy,
		budget:  NewBudget(cfg),
		actions: actions,
		timeout: cfg.DiagnoseTimeout.Std(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	telemetry.SetRecoveryState(string(c.state), AllStates)
	return c
}

// State returns the current state and its reason.
func (c *RecoveryController) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// Budget returns the controller's budget; re-derivations scheduled outside
// recovery draw from the same allowance.
func (c *RecoveryController) Budget() *Budget {
	return c.budget
}

// Observe feeds a fresh snapshot. A healthy controller seeing anything but
// alive moves to DEGRADED; a parked one returns to HEALTHY once the
// workspace is alive again by other means.
func (c *RecoveryController) Observe(s Snapshot) {
	var tr *Transition
	c.mu.Lock()
	switch {
	case c.state == StateHealthy && s.Status != StatusAlive:
		tr = c.moveLocked(StateDegraded, fmt.Sprintf("%s: %s", s.Status, s.Reason))
	case c.state == StateDegradedStable && s.Status == StatusAlive:
		tr = c.moveLocked(StateHealthy, "workspace alive")
	}
	c.mu.Unlock()
	c.notify(tr)
}

// Reset returns the controller to HEALTHY, as after a successful manual
// reconcile.
func (c *RecoveryController) Reset(reason string) {
	c.mu.Lock()
	var tr *Transition
	if c.state != StateHealthy {
		tr = c.moveLocked(StateHealthy, reason)
	}
	c.mu.Unlock()
	c.notify(tr)
}

// Step advances the machine until it rests in HEALTHY, DEGRADED (after a
// failed attempt) or DEGRADED_STABLE. It returns the resting state.
func (c *RecoveryController) Step(ctx context.Context) State {
	for {
		state, _ := c.State()
		switch state {
		case StateDegraded:
			c.transition(StateDiagnosing, "diagnosing")
		case StateDiagnosing:
			c.diagnose(ctx)
		case StateRecovering:
			if !c.recover(ctx) {
				s, _ := c.State()
				return s
			}
		default:
			return state
		}
		if ctx.Err() != nil {
			s, _ := c.State()
			return s
		}
	}
}

func (c *RecoveryController) diagnose(ctx context.Context) {
	var d Diagnosis
	if c.actions.Diagnose != nil {
		dctx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		res, err := c.actions.Diagnose(dctx)
		if err != nil {
			// A failed diagnosis does not block recovery; the sweep is the fix.
			c.logger.Warn("recovery_diagnose_failed", slog.String("error", err.Error()))
		}
		d.Check = res
	}
	c.mu.Lock()
	c.diagnosis = d
	c.mu.Unlock()

	reason := "diagnosis complete"
	if d.Check != nil {
		reason = fmt.Sprintf("%d inconsistencies", len(d.Check.Inconsistencies))
	}
	c.transition(StateRecovering, reason)
}

// recover runs one budgeted recovery attempt. It reports whether the
// machine should keep stepping.
func (c *RecoveryController) recover(ctx context.Context) bool {
	now := c.now()
	c.mu.Lock()
	d := c.diagnosis
	c.mu.Unlock()

	if !c.budget.AllowSweep(now) {
		c.transition(StateDegradedStable,
			fmt.Sprintf("sweep budget exhausted (%d/hour)", c.budget.cfg.MaxSweepsPerHour))
		return false
	}
	need := 0
	if d.Check != nil {
		need = d.Check.Count(InconsistencyMissingKnowledge) + d.Check.Count(InconsistencyFailedPath)
	}
	if !c.budget.AllowRederive(now, need) {
		c.transition(StateDegradedStable,
			fmt.Sprintf("re-derivation budget exhausted (%d needed, %d/hour)", need, c.budget.cfg.MaxRederivationsPerHour))
		return false
	}

	if c.actions.Sweep != nil {
		if err := c.actions.Sweep(ctx); err != nil {
			c.transition(StateDegraded, "recovery sweep failed: "+err.Error())
			return false
		}
	}
	if c.actions.Repair != nil && d.Check != nil && len(d.Check.Inconsistencies) > 0 {
		if err := c.actions.Repair(ctx, d); err != nil {
			c.transition(StateDegraded, "repair failed: "+err.Error())
			return false
		}
	}
	c.transition(StateHealthy, "recovered")
	return true
}

func (c *RecoveryController) transition(to State, reason string) {
	c.mu.Lock()
	tr := c.moveLocked(to, reason)
	c.mu.Unlock()
	c.notify(tr)
}

func (c *RecoveryController) moveLocked(to State, reason string) *Transition {
	tr := &Transition{From: c.state, To: to, At: c.now(), Reason: reason}
	c.state = to
	c.reason = reason
	if to == StateHealthy {
		c.reason = ""
	}
	return tr
}

func (c *RecoveryController) notify(tr *Transition) {
	if tr == nil {
		return
	}
	level := slog.LevelInfo
	if tr.To == StateDegradedStable || tr.To == StateDegraded {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "recovery_transition",
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("reason", tr.Reason))
	telemetry.SetRecoveryState(string(tr.To), AllStates)
	if c.onChange != nil {
		c.onChange(*tr)
	}
}
