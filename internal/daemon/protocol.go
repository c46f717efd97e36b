package daemon

import (
	"fmt"
	"time"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/reconcile"
	"github.com/Aman-CERP/freshness/internal/store"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing                = "ping"
	MethodStatus              = "status"
	MethodForceReconcile      = "force_reconcile"
	MethodDefeaters           = "defeaters"
	MethodResolveDefeater     = "resolve_defeater"
	MethodReportContradiction = "report_contradiction"
	MethodStop                = "stop"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes for daemon-specific errors.
const (
	ErrCodeWorkspaceNotOpen = -32001
	ErrCodeOperationFailed  = -32002
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Data carries the engine error
// code when there is one.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Data)
	}
	return e.Message
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// WorkspaceParams names the workspace a request is about.
type WorkspaceParams struct {
	// Root is the workspace root path (required).
	Root string `json:"root"`
}

// Validate checks that required fields are present.
func (p *WorkspaceParams) Validate() error {
	if p.Root == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

// ForceReconcileParams are the parameters for force_reconcile.
type ForceReconcileParams struct {
	Root string `json:"root"`
	// Scope limits the sweep to these paths; empty means the whole workspace.
	Scope []string `json:"scope,omitempty"`
}

// Validate checks that required fields are present.
func (p *ForceReconcileParams) Validate() error {
	if p.Root == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

// DefeatersParams are the parameters for defeaters.
type DefeatersParams struct {
	Root       string `json:"root"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// Validate checks that required fields are present.
func (p *DefeatersParams) Validate() error {
	if p.Root == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

// ResolveDefeaterParams are the parameters for resolve_defeater.
type ResolveDefeaterParams struct {
	Root       string `json:"root"`
	DefeaterID string `json:"defeater_id"`
	// Method is reverification, human_confirmation or cross_source_agreement.
	Method string `json:"method"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks that required fields are present.
func (p *ResolveDefeaterParams) Validate() error {
	switch {
	case p.Root == "":
		return fmt.Errorf("root is required")
	case p.DefeaterID == "":
		return fmt.Errorf("defeater_id is required")
	case p.Method == "":
		return fmt.Errorf("method is required")
	}
	return nil
}

// ContradictionParams are the parameters for report_contradiction.
type ContradictionParams struct {
	Root       string `json:"root"`
	ArtifactID string `json:"artifact_id"`
	Reason     string `json:"reason,omitempty"`
}

// Validate checks that required fields are present.
func (p *ContradictionParams) Validate() error {
	switch {
	case p.Root == "":
		return fmt.Errorf("root is required")
	case p.ArtifactID == "":
		return fmt.Errorf("artifact_id is required")
	}
	return nil
}

// StatusResult contains daemon status and, when a root was given, the
// workspace health snapshot.
type StatusResult struct {
	Running    bool             `json:"running"`
	PID        int              `json:"pid"`
	Uptime     string           `json:"uptime"`
	Workspaces []string         `json:"workspaces"`
	Workspace  *health.Snapshot `json:"workspace,omitempty"`
}

// ReconcileResult summarizes a forced reconcile.
type ReconcileResult struct {
	Applied        int      `json:"applied"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	FailedPaths    []string `json:"failed_paths,omitempty"`
	Requeued       []string `json:"requeued,omitempty"`
	Invalidated    int      `json:"invalidated"`
	Truncated      bool     `json:"truncated,omitempty"`
	CursorAdvanced bool     `json:"cursor_advanced"`
	Mode           string   `json:"mode"`
	Degraded       bool     `json:"degraded,omitempty"`
}

// NewReconcileResult converts an engine result.
func NewReconcileResult(r reconcile.Result) ReconcileResult {
	return ReconcileResult{
		Applied:        r.Applied,
		Skipped:        r.Skipped,
		Failed:         r.Failed,
		FailedPaths:    r.FailedPaths,
		Requeued:       r.Requeued,
		Invalidated:    len(r.Invalidated),
		Truncated:      r.Truncated,
		CursorAdvanced: r.CursorAdvanced,
		Mode:           string(r.Mode),
		Degraded:       r.Degraded,
	}
}

// DefeaterInfo is the wire form of a defeater.
type DefeaterInfo struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	TargetArtifactID string     `json:"target_artifact_id"`
	Action           string     `json:"action"`
	ActivatedAt      time.Time  `json:"activated_at"`
	Reason           string     `json:"reason,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionMethod string     `json:"resolution_method,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
}

// NewDefeaterInfo converts a folded defeater.
func NewDefeaterInfo(d store.Defeater) DefeaterInfo {
	return DefeaterInfo{
		ID:               d.ID,
		Type:             string(d.Type),
		TargetArtifactID: d.TargetArtifactID,
		Action:           string(d.Action),
		ActivatedAt:      d.ActivatedAt,
		Reason:           d.Reason,
		ResolvedAt:       d.ResolvedAt,
		ResolutionMethod: d.ResolutionMethod,
		ResolutionReason: d.ResolutionReason,
	}
}

// Active reports whether the defeater is unresolved.
func (d DefeaterInfo) Active() bool { return d.ResolvedAt == nil }

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}

// StopResult is the response to a stop request.
type StopResult struct {
	Stopping bool `json:"stopping"`
}
