package mcp

// StatusInput defines the input schema for the freshness_status tool (no parameters).
type StatusInput struct{}

// StatusOutput is the health snapshot of the served workspace.
type StatusOutput struct {
	Root    string `json:"root"`
	Status  string `json:"status" jsonschema:"alive, suspected_dead or catch_up_required"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`

	StalenessWindowSeconds float64 `json:"staleness_window_seconds" jsonschema:"upper bound on how old the knowledge may be"`
	BacklogSize            int     `json:"backlog_size"`
	CatchUpState           string  `json:"catch_up_state"`
	Degraded               bool    `json:"degraded,omitempty"`

	ActiveDefeaters int    `json:"active_defeaters"`
	MostSevere      string `json:"most_severe,omitempty" jsonschema:"worst active defeater type"`

	RecoveryState     string `json:"recovery_state,omitempty"`
	LastReconcileOkAt string `json:"last_reconcile_ok_at,omitempty"`
	LastHeartbeatAt   string `json:"last_heartbeat_at,omitempty"`
}

// ForceReconcileInput defines the input schema for the force_reconcile tool.
type ForceReconcileInput struct {
	Scope []string `json:"scope,omitempty" jsonschema:"paths to sweep, relative to the workspace root; empty sweeps everything"`
}

// ReconcileOutput summarizes a forced reconcile.
type ReconcileOutput struct {
	Applied        int      `json:"applied"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	FailedPaths    []string `json:"failed_paths,omitempty"`
	Requeued       []string `json:"requeued,omitempty"`
	Invalidated    int      `json:"invalidated" jsonschema:"artifacts retired by cascade invalidation"`
	Truncated      bool     `json:"truncated,omitempty"`
	CursorAdvanced bool     `json:"cursor_advanced"`
	Mode           string   `json:"mode,omitempty" jsonschema:"git or sweep"`
	Degraded       bool     `json:"degraded,omitempty"`
}

// ContradictionInput defines the input schema for the report_contradiction tool.
type ContradictionInput struct {
	ArtifactID string `json:"artifact_id" jsonschema:"id of the knowledge artifact that is contradicted"`
	Reason     string `json:"reason,omitempty" jsonschema:"what the artifact disagrees with"`
}

// ListDefeatersInput defines the input schema for the list_defeaters tool.
type ListDefeatersInput struct {
	ActiveOnly bool `json:"active_only,omitempty" jsonschema:"only unresolved defeaters"`
}

// ResolveDefeaterInput defines the input schema for the resolve_defeater tool.
type ResolveDefeaterInput struct {
	DefeaterID string `json:"defeater_id" jsonschema:"id of an active defeater"`
	Method     string `json:"method" jsonschema:"reverification, human_confirmation or cross_source_agreement"`
	Reason     string `json:"reason,omitempty"`
}

// DefeaterOutput is one defeater.
type DefeaterOutput struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	TargetArtifactID string `json:"target_artifact_id"`
	Action           string `json:"action"`
	ActivatedAt      string `json:"activated_at"`
	Reason           string `json:"reason,omitempty"`
	Resolved         bool   `json:"resolved"`
	ResolutionMethod string `json:"resolution_method,omitempty"`
}

// DefeatersOutput wraps a defeater list; tool output must be an object.
type DefeatersOutput struct {
	Defeaters []DefeaterOutput `json:"defeaters"`
}
