// Package config loads the freshness engine configuration.
//
// Precedence, lowest to highest: built-in defaults, the user config
// (~/.config/freshness/config.yaml), the project config (.freshness.yaml in the
// workspace root), and FRESHNESS_* environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the project-level configuration file.
const ProjectConfigName = ".freshness.yaml"

// DataDirName is the per-workspace state directory.
const DataDirName = ".freshness"

// Config represents the complete engine configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	DataDir    string           `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	Detect     DetectConfig     `yaml:"detect" json:"detect"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" json:"reconcile"`
	Cascade    CascadeConfig    `yaml:"cascade" json:"cascade"`
	Confidence ConfidenceConfig `yaml:"confidence" json:"confidence"`
	Health     HealthConfig     `yaml:"health" json:"health"`
	Recovery   RecoveryConfig   `yaml:"recovery" json:"recovery"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// PathsConfig configures which paths are tracked. Changing any of these
// changes RulesHash and forces a full sweep.
type PathsConfig struct {
	Include          []string `yaml:"include" json:"include"`
	Exclude          []string `yaml:"exclude" json:"exclude"`
	RespectGitignore *bool    `yaml:"respect_gitignore,omitempty" json:"respect_gitignore,omitempty"`
}

// WatchConfig configures the event batcher and raw event sources.
type WatchConfig struct {
	// Debounce is the idle time that closes a batching window.
	Debounce Duration `yaml:"debounce" json:"debounce"`
	// MaxWindow caps how long one window may stay open under continuous activity.
	MaxWindow Duration `yaml:"max_window" json:"max_window"`
	// StormThreshold is the notification count per window that triggers a sweep request.
	StormThreshold int `yaml:"storm_threshold" json:"storm_threshold"`
	// MaxBatchSize caps ChangeSet entries; larger windows are split.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// HeartbeatInterval is the fixed tick independent of file activity.
	HeartbeatInterval Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// RenameWindow holds rename pairs before release.
	RenameWindow Duration `yaml:"rename_window" json:"rename_window"`
	// PollInterval is used by the polling fallback.
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	// ForcePolling skips fsnotify (networked filesystems).
	ForcePolling bool `yaml:"force_polling" json:"force_polling"`
	// QueueSize bounds the ChangeSet queue between ingestion and reconciliation.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DetectConfig configures the change detector.
type DetectConfig struct {
	GitFastPath   *bool `yaml:"git_fast_path,omitempty" json:"git_fast_path,omitempty"`
	MaxHashBytes  int64 `yaml:"max_hash_bytes" json:"max_hash_bytes"`
	HashCacheSize int   `yaml:"hash_cache_size" json:"hash_cache_size"`
	HashWorkers   int   `yaml:"hash_workers" json:"hash_workers"`
	// NetworkedFS treats size/mtime as a hint only and always hashes.
	NetworkedFS bool `yaml:"networked_fs" json:"networked_fs"`
}

// ReconcileConfig configures sub-batching and lock backoff.
type ReconcileConfig struct {
	SubBatchSize   int      `yaml:"sub_batch_size" json:"sub_batch_size"`
	LockTimeout    Duration `yaml:"lock_timeout" json:"lock_timeout"`
	MaxRetries     int      `yaml:"max_retries" json:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff"`
}

// CascadeConfig bounds dependency traversal.
type CascadeConfig struct {
	MaxHops      int `yaml:"max_hops" json:"max_hops"`
	MaxArtifacts int `yaml:"max_artifacts" json:"max_artifacts"`
}

// ConfidenceConfig configures decay, defeater thresholds, and recovery.
type ConfidenceConfig struct {
	DecayFactor            float64  `yaml:"decay_factor" json:"decay_factor"`
	DirectChangeStep       float64  `yaml:"direct_change_step" json:"direct_change_step"`
	RelatedChangeStep      float64  `yaml:"related_change_step" json:"related_change_step"`
	CascadeStep            float64  `yaml:"cascade_step" json:"cascade_step"`
	ModelUpgradeStep       float64  `yaml:"model_upgrade_step" json:"model_upgrade_step"`
	LowConfidenceThreshold float64  `yaml:"low_confidence_threshold" json:"low_confidence_threshold"`
	StalenessThreshold     Duration `yaml:"staleness_threshold" json:"staleness_threshold"`
	CalibrationThreshold   float64  `yaml:"calibration_threshold" json:"calibration_threshold"`
	CalibrationWindow      int      `yaml:"calibration_window" json:"calibration_window"`
	RecoveryStep           float64  `yaml:"recovery_step" json:"recovery_step"`
	RecoveryCeiling        float64  `yaml:"recovery_ceiling" json:"recovery_ceiling"`
}

// HealthConfig configures liveness thresholds and the maintenance tick.
type HealthConfig struct {
	HeartbeatGap   Duration `yaml:"heartbeat_gap" json:"heartbeat_gap"`
	MaintainEvery  Duration `yaml:"maintain_every" json:"maintain_every"`
	BacklogWarning int      `yaml:"backlog_warning" json:"backlog_warning"`
}

// RecoveryConfig is the per-hour recovery budget.
type RecoveryConfig struct {
	MaxSweepsPerHour        int      `yaml:"max_sweeps_per_hour" json:"max_sweeps_per_hour"`
	MaxRederivationsPerHour int      `yaml:"max_rederivations_per_hour" json:"max_rederivations_per_hour"`
	DiagnoseTimeout         Duration `yaml:"diagnose_timeout" json:"diagnose_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// TelemetryConfig configures metrics and tracing export.
type TelemetryConfig struct {
	// MetricsAddr serves Prometheus /metrics when set (e.g. "127.0.0.1:9464").
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	// TraceExporter is "none" or "stdout"; stdout spans go to TraceFile when set.
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter"`
	TraceFile     string `yaml:"trace_file,omitempty" json:"trace_file,omitempty"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: []string{},
			Exclude: []string{
				"**/.git/**",
				"**/" + DataDirName + "/**",
				"**/node_modules/**",
				"**/vendor/**",
				"**/dist/**",
				"**/build/**",
				"**/*.tmp",
				"**/*.swp",
				"**/*~",
			},
			RespectGitignore: boolPtr(true),
		},
		Watch: WatchConfig{
			Debounce:          Duration(200 * time.Millisecond),
			MaxWindow:         Duration(2 * time.Second),
			StormThreshold:    500,
			MaxBatchSize:      256,
			HeartbeatInterval: Duration(30 * time.Second),
			RenameWindow:      Duration(500 * time.Millisecond),
			PollInterval:      Duration(5 * time.Second),
			QueueSize:         64,
		},
		Detect: DetectConfig{
			GitFastPath:   boolPtr(true),
			MaxHashBytes:  10 * 1024 * 1024,
			HashCacheSize: 4096,
			HashWorkers:   4,
		},
		Reconcile: ReconcileConfig{
			SubBatchSize:   64,
			LockTimeout:    Duration(2 * time.Second),
			MaxRetries:     4,
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
		},
		Cascade: CascadeConfig{
			MaxHops:      3,
			MaxArtifacts: 500,
		},
		Confidence: ConfidenceConfig{
			DecayFactor:            0.995,
			DirectChangeStep:       0.7,
			RelatedChangeStep:      0.9,
			CascadeStep:            0.8,
			ModelUpgradeStep:       0.6,
			LowConfidenceThreshold: 0.4,
			StalenessThreshold:     Duration(24 * time.Hour),
			CalibrationThreshold:   0.15,
			CalibrationWindow:      200,
			RecoveryStep:           0.2,
			RecoveryCeiling:        0.95,
		},
		Health: HealthConfig{
			HeartbeatGap:   Duration(5 * time.Minute),
			MaintainEvery:  Duration(time.Minute),
			BacklogWarning: 1000,
		},
		Recovery: RecoveryConfig{
			MaxSweepsPerHour:        4,
			MaxRederivationsPerHour: 2000,
			DiagnoseTimeout:         Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
		},
	}
}

// GetUserConfigPath returns the user configuration file, honoring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "freshness", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "freshness", "config.yaml")
	}
	return filepath.Join(home, ".config", "freshness", "config.yaml")
}

// Load loads configuration for the workspace rooted at dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if path := filepath.Join(dir, ProjectConfigName); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML parses path and merges its non-zero values into c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
// Exclude patterns are appended to the defaults rather than replacing them.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	setString(&c.DataDir, other.DataDir)

	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}
	if other.Paths.RespectGitignore != nil {
		c.Paths.RespectGitignore = other.Paths.RespectGitignore
	}

	w, ow := &c.Watch, other.Watch
	setDuration(&w.Debounce, ow.Debounce)
	setDuration(&w.MaxWindow, ow.MaxWindow)
	setInt(&w.StormThreshold, ow.StormThreshold)
	setInt(&w.MaxBatchSize, ow.MaxBatchSize)
	setDuration(&w.HeartbeatInterval, ow.HeartbeatInterval)
	setDuration(&w.RenameWindow, ow.RenameWindow)
	setDuration(&w.PollInterval, ow.PollInterval)
	setInt(&w.QueueSize, ow.QueueSize)
	if ow.ForcePolling {
		w.ForcePolling = true
	}

	d, od := &c.Detect, other.Detect
	if od.GitFastPath != nil {
		d.GitFastPath = od.GitFastPath
	}
	if od.MaxHashBytes > 0 {
		d.MaxHashBytes = od.MaxHashBytes
	}
	setInt(&d.HashCacheSize, od.HashCacheSize)
	setInt(&d.HashWorkers, od.HashWorkers)
	if od.NetworkedFS {
		d.NetworkedFS = true
	}

	r, or := &c.Reconcile, other.Reconcile
	setInt(&r.SubBatchSize, or.SubBatchSize)
	setDuration(&r.LockTimeout, or.LockTimeout)
	setInt(&r.MaxRetries, or.MaxRetries)
	setDuration(&r.InitialBackoff, or.InitialBackoff)
	setDuration(&r.MaxBackoff, or.MaxBackoff)

	setInt(&c.Cascade.MaxHops, other.Cascade.MaxHops)
	setInt(&c.Cascade.MaxArtifacts, other.Cascade.MaxArtifacts)

	cf, ocf := &c.Confidence, other.Confidence
	setFloat(&cf.DecayFactor, ocf.DecayFactor)
	setFloat(&cf.DirectChangeStep, ocf.DirectChangeStep)
	setFloat(&cf.RelatedChangeStep, ocf.RelatedChangeStep)
	setFloat(&cf.CascadeStep, ocf.CascadeStep)
	setFloat(&cf.ModelUpgradeStep, ocf.ModelUpgradeStep)
	setFloat(&cf.LowConfidenceThreshold, ocf.LowConfidenceThreshold)
	setDuration(&cf.StalenessThreshold, ocf.StalenessThreshold)
	setFloat(&cf.CalibrationThreshold, ocf.CalibrationThreshold)
	setInt(&cf.CalibrationWindow, ocf.CalibrationWindow)
	setFloat(&cf.RecoveryStep, ocf.RecoveryStep)
	setFloat(&cf.RecoveryCeiling, ocf.RecoveryCeiling)

	setDuration(&c.Health.HeartbeatGap, other.Health.HeartbeatGap)
	setDuration(&c.Health.MaintainEvery, other.Health.MaintainEvery)
	setInt(&c.Health.BacklogWarning, other.Health.BacklogWarning)

	setInt(&c.Recovery.MaxSweepsPerHour, other.Recovery.MaxSweepsPerHour)
	setInt(&c.Recovery.MaxRederivationsPerHour, other.Recovery.MaxRederivationsPerHour)
	setDuration(&c.Recovery.DiagnoseTimeout, other.Recovery.DiagnoseTimeout)

	setString(&c.Logging.Level, other.Logging.Level)
	setString(&c.Logging.FilePath, other.Logging.FilePath)
	setInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	setInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)

	setString(&c.Telemetry.MetricsAddr, other.Telemetry.MetricsAddr)
	setString(&c.Telemetry.TraceExporter, other.Telemetry.TraceExporter)
	setString(&c.Telemetry.TraceFile, other.Telemetry.TraceFile)
}

// applyEnvOverrides applies FRESHNESS_* environment variables.
// Unparseable values are ignored and the previous value kept.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FRESHNESS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FRESHNESS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FRESHNESS_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Watch.Debounce = Duration(d)
		}
	}
	if v := os.Getenv("FRESHNESS_STORM_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Watch.StormThreshold = n
		}
	}
	if v := os.Getenv("FRESHNESS_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Watch.MaxBatchSize = n
		}
	}
	if v := os.Getenv("FRESHNESS_MAX_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Cascade.MaxHops = n
		}
	}
	if v := os.Getenv("FRESHNESS_FORCE_POLLING"); v != "" {
		c.Watch.ForcePolling = parseBool(v)
	}
	if v := os.Getenv("FRESHNESS_METRICS_ADDR"); v != "" {
		c.Telemetry.MetricsAddr = v
	}
	if v := os.Getenv("FRESHNESS_GIT_FAST_PATH"); v != "" {
		c.Detect.GitFastPath = boolPtr(parseBool(v))
	}
}

// Validate checks ranges that would otherwise produce nonsense at runtime.
func (c *Config) Validate() error {
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce)
	}
	if c.Watch.MaxWindow < c.Watch.Debounce {
		return fmt.Errorf("watch.max_window (%s) must be >= watch.debounce (%s)", c.Watch.MaxWindow, c.Watch.Debounce)
	}
	if c.Watch.StormThreshold <= 0 {
		return fmt.Errorf("watch.storm_threshold must be positive, got %d", c.Watch.StormThreshold)
	}
	if c.Watch.MaxBatchSize <= 0 {
		return fmt.Errorf("watch.max_batch_size must be positive, got %d", c.Watch.MaxBatchSize)
	}
	if c.Watch.HeartbeatInterval <= 0 {
		return fmt.Errorf("watch.heartbeat_interval must be positive, got %s", c.Watch.HeartbeatInterval)
	}
	if c.Reconcile.SubBatchSize <= 0 {
		return fmt.Errorf("reconcile.sub_batch_size must be positive, got %d", c.Reconcile.SubBatchSize)
	}
	if c.Reconcile.MaxRetries < 0 {
		return fmt.Errorf("reconcile.max_retries must be non-negative, got %d", c.Reconcile.MaxRetries)
	}
	if c.Cascade.MaxHops < 0 {
		return fmt.Errorf("cascade.max_hops must be non-negative, got %d", c.Cascade.MaxHops)
	}

	cf := c.Confidence
	for name, v := range map[string]float64{
		"decay_factor":        cf.DecayFactor,
		"direct_change_step":  cf.DirectChangeStep,
		"related_change_step": cf.RelatedChangeStep,
		"cascade_step":        cf.CascadeStep,
		"model_upgrade_step":  cf.ModelUpgradeStep,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("confidence.%s must be in (0, 1], got %f", name, v)
		}
	}
	if cf.LowConfidenceThreshold < 0 || cf.LowConfidenceThreshold > 1 {
		return fmt.Errorf("confidence.low_confidence_threshold must be in [0, 1], got %f", cf.LowConfidenceThreshold)
	}
	if cf.RecoveryCeiling <= 0 || cf.RecoveryCeiling >= 1 {
		return fmt.Errorf("confidence.recovery_ceiling must be in (0, 1), got %f", cf.RecoveryCeiling)
	}

	if c.Recovery.MaxSweepsPerHour <= 0 {
		return fmt.Errorf("recovery.max_sweeps_per_hour must be positive, got %d", c.Recovery.MaxSweepsPerHour)
	}

	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("telemetry.trace_exporter must be 'none' or 'stdout', got %s", c.Telemetry.TraceExporter)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// RespectsGitignore reports whether .gitignore rules apply.
func (c *Config) RespectsGitignore() bool {
	return c.Paths.RespectGitignore == nil || *c.Paths.RespectGitignore
}

// UseGitFastPath reports whether the git diff fast path is enabled.
func (c *Config) UseGitFastPath() bool {
	return c.Detect.GitFastPath == nil || *c.Detect.GitFastPath
}

// ResolveDataDir returns the state directory for the workspace at root.
func (c *Config) ResolveDataDir(root string) string {
	if c.DataDir == "" {
		return filepath.Join(root, DataDirName)
	}
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(root, c.DataDir)
}

// RulesHash is the digest of the include/exclude rules stored on the
// workspace cursor. Order and duplicates do not affect it.
func (c *Config) RulesHash() string {
	h := sha256.New()
	for _, group := range [][]string{c.Paths.Include, c.Paths.Exclude} {
		for _, p := range normalizePatterns(group) {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	fmt.Fprintf(h, "gitignore=%t", c.RespectsGitignore())
	return hex.EncodeToString(h.Sum(nil))
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindProjectRoot walks up from startDir looking for .git or a project config.
// Returns the absolute startDir when neither is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	for dir := absDir; ; {
		if dirExists(filepath.Join(dir, ".git")) || fileExists(filepath.Join(dir, ProjectConfigName)) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return absDir, nil
		}
		dir = parent
	}
}

func normalizePatterns(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(filepath.ToSlash(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *Duration, v Duration) {
	if v != 0 {
		*dst = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b
}

func boolPtr(b bool) *bool { return &b }

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
