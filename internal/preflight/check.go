package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Aman-CERP/freshness/internal/config"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs the preflight checks for one workspace.
type Checker struct {
	root    string
	cfg     *config.Config
	logger  *slog.Logger
	procDir string
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

// withProcDir points the inotify check at a fake /proc.
func withProcDir(dir string) Option {
	return func(c *Checker) {
		c.procDir = dir
	}
}

// New creates a Checker for the workspace at root. A nil cfg uses defaults.
func New(root string, cfg *config.Config, opts ...Option) *Checker {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	c := &Checker{
		root:    root,
		cfg:     cfg,
		logger:  slog.Default(),
		procDir: "/proc",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check and returns the results in a stable order.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	stateDir := c.stateDir()

	results := []CheckResult{
		c.CheckConfig(),
		c.CheckDiskSpace(stateDir),
		c.CheckWritePermissions(stateDir),
		c.CheckFileDescriptors(),
		c.CheckWatchLimit(ctx),
		c.CheckGit(),
	}
	results = append(results, c.CheckStore(ctx)...)

	for _, r := range results {
		c.logger.Debug("preflight_check",
			slog.String("name", r.Name),
			slog.String("status", r.Status.String()),
			slog.String("message", r.Message))
	}
	return results
}

// stateDir is the state directory when it exists, else the workspace root
// it will be created under.
func (c *Checker) stateDir() string {
	dir := c.cfg.ResolveDataDir(c.root)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return c.root
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// CheckConfig validates the effective configuration.
func (c *Checker) CheckConfig() CheckResult {
	result := CheckResult{Name: "config", Required: true}
	if err := c.cfg.Validate(); err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		result.Details = "Fix " + config.ProjectConfigName + " or the FRESHNESS_* environment"
		return result
	}
	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckWritePermissions checks that the state directory can be written.
func (c *Checker) CheckWritePermissions(dir string) CheckResult {
	result := CheckResult{Name: "write_permissions", Required: true}

	f, err := os.CreateTemp(dir, ".freshness-preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s is writable", dir)
	return result
}

// CheckGit reports whether the git fast path can be used.
func (c *Checker) CheckGit() CheckResult {
	result := CheckResult{Name: "git", Required: false}

	switch {
	case !c.cfg.UseGitFastPath():
		result.Status = StatusPass
		result.Message = "fast path disabled, using hash sweeps"
	case !isDir(filepath.Join(c.root, ".git")):
		result.Status = StatusPass
		result.Message = "not a git repository, using hash sweeps"
	default:
		path, err := exec.LookPath("git")
		if err != nil {
			result.Status = StatusWarn
			result.Message = "git not found in PATH"
			result.Details = "Change detection falls back to full hash sweeps"
			return result
		}
		result.Status = StatusPass
		result.Message = path
	}
	return result
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
