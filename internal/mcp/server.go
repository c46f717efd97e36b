package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/logging"
	"github.com/Aman-CERP/freshness/internal/reconcile"
	"github.com/Aman-CERP/freshness/internal/store"
	"github.com/Aman-CERP/freshness/pkg/version"
)

// ServerName is the implementation name announced to clients.
const ServerName = "freshness"

// Workspace is the part of a workspace coordinator the tools use.
type Workspace interface {
	Root() string
	Status() health.Snapshot
	ForceReconcile(ctx context.Context, scope ...string) (reconcile.Result, error)
	Defeaters(ctx context.Context, activeOnly bool) ([]store.Defeater, error)
	ReportContradiction(ctx context.Context, artifactID, reason string) (store.Defeater, error)
	ResolveDefeater(ctx context.Context, defeaterID, method, reason string) (store.Defeater, error)
}

// Server is the MCP server for one workspace.
type Server struct {
	mcp    *mcp.Server
	ws     Workspace
	logger *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        "freshness_status",
		Description: "Report whether the workspace knowledge is fresh: watcher liveness, staleness window, backlog, and the worst active defeater. Check this before trusting derived knowledge.",
	},
	{
		Name:        "force_reconcile",
		Description: "Sweep the workspace (or the given paths) and bring derived knowledge up to date. Use when freshness_status is not healthy.",
	},
	{
		Name:        "report_contradiction",
		Description: "Report that a knowledge artifact disagrees with other evidence. Lowers its confidence and flags it until resolved.",
	},
	{
		Name:        "list_defeaters",
		Description: "List defeaters, the reasons knowledge artifacts are not trusted at full confidence.",
	},
	{
		Name:        "resolve_defeater",
		Description: "Resolve an active defeater after reverifying, confirming, or cross-checking the artifact.",
	},
}

// NewServer creates a new MCP server over ws.
func NewServer(ws Workspace, logger *slog.Logger) (*Server, error) {
	if ws == nil {
		return nil, errors.New("workspace is required")
	}

	s := &Server{
		ws:     ws,
		logger: logging.Component(logger, "mcp"),
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: ServerName, Version: version.Version},
		nil,
	)
	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return ServerName, version.Version
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

// CallTool invokes a tool by name with JSON-shaped arguments and returns
// its structured output.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "freshness_status":
		return s.status(), nil
	case "force_reconcile":
		var in ForceReconcileInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.forceReconcile(ctx, in)
	case "report_contradiction":
		var in ContradictionInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.reportContradiction(ctx, in)
	case "list_defeaters":
		var in ListDefeatersInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.listDefeaters(ctx, in)
	case "resolve_defeater":
		var in ResolveDefeaterInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.resolveDefeater(ctx, in)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func (s *Server) status() StatusOutput {
	return ToStatusOutput(s.ws.Root(), s.ws.Status())
}

func (s *Server) forceReconcile(ctx context.Context, in ForceReconcileInput) (ReconcileOutput, error) {
	requestID := generateRequestID()
	start := time.Now()
	s.logger.Info("force_reconcile started",
		slog.String("request_id", requestID),
		slog.Int("scope", len(in.Scope)))

	res, err := s.ws.ForceReconcile(ctx, in.Scope...)
	if err != nil {
		s.logger.Error("force_reconcile failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return ReconcileOutput{}, MapError(err)
	}

	s.logger.Info("force_reconcile completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("applied", res.Applied),
		slog.Int("failed", res.Failed))
	return ToReconcileOutput(res), nil
}

func (s *Server) reportContradiction(ctx context.Context, in ContradictionInput) (DefeaterOutput, error) {
	if strings.TrimSpace(in.ArtifactID) == "" {
		return DefeaterOutput{}, NewInvalidParamsError("artifact_id is required")
	}
	d, err := s.ws.ReportContradiction(ctx, in.ArtifactID, in.Reason)
	if err != nil {
		return DefeaterOutput{}, MapError(err)
	}
	s.logger.Info("contradiction reported",
		slog.String("artifact_id", in.ArtifactID),
		slog.String("defeater_id", d.ID))
	return ToDefeaterOutput(d), nil
}

func (s *Server) listDefeaters(ctx context.Context, in ListDefeatersInput) (DefeatersOutput, error) {
	ds, err := s.ws.Defeaters(ctx, in.ActiveOnly)
	if err != nil {
		return DefeatersOutput{}, MapError(err)
	}
	out := DefeatersOutput{Defeaters: make([]DefeaterOutput, 0, len(ds))}
	for _, d := range ds {
		out.Defeaters = append(out.Defeaters, ToDefeaterOutput(d))
	}
	return out, nil
}

func (s *Server) resolveDefeater(ctx context.Context, in ResolveDefeaterInput) (DefeaterOutput, error) {
	if in.DefeaterID == "" || in.Method == "" {
		return DefeaterOutput{}, NewInvalidParamsError("defeater_id and method are required")
	}
	d, err := s.ws.ResolveDefeater(ctx, in.DefeaterID, in.Method, in.Reason)
	if err != nil {
		return DefeaterOutput{}, MapError(err)
	}
	s.logger.Info("defeater resolved",
		slog.String("defeater_id", d.ID),
		slog.String("method", in.Method))
	return ToDefeaterOutput(d), nil
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, tool("freshness_status"), func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
		out := s.status()
		return textResult(FormatStatus(out)), out, nil
	})
	mcp.AddTool(s.mcp, tool("force_reconcile"), func(ctx context.Context, _ *mcp.CallToolRequest, in ForceReconcileInput) (*mcp.CallToolResult, ReconcileOutput, error) {
		out, err := s.forceReconcile(ctx, in)
		if err != nil {
			return nil, ReconcileOutput{}, err
		}
		return textResult(FormatReconcile(out)), out, nil
	})
	mcp.AddTool(s.mcp, tool("report_contradiction"), func(ctx context.Context, _ *mcp.CallToolRequest, in ContradictionInput) (*mcp.CallToolResult, DefeaterOutput, error) {
		out, err := s.reportContradiction(ctx, in)
		if err != nil {
			return nil, DefeaterOutput{}, err
		}
		return textResult(FormatDefeater(out)), out, nil
	})
	mcp.AddTool(s.mcp, tool("list_defeaters"), func(ctx context.Context, _ *mcp.CallToolRequest, in ListDefeatersInput) (*mcp.CallToolResult, DefeatersOutput, error) {
		out, err := s.listDefeaters(ctx, in)
		if err != nil {
			return nil, DefeatersOutput{}, err
		}
		return textResult(FormatDefeaters(out.Defeaters)), out, nil
	})
	mcp.AddTool(s.mcp, tool("resolve_defeater"), func(ctx context.Context, _ *mcp.CallToolRequest, in ResolveDefeaterInput) (*mcp.CallToolResult, DefeaterOutput, error) {
		out, err := s.resolveDefeater(ctx, in)
		if err != nil {
			return nil, DefeaterOutput{}, err
		}
		return textResult(FormatDefeater(out)), out, nil
	})
	s.logger.Debug("MCP tools registered", slog.Int("count", len(tools)))
}

// Serve starts the server with the specified transport.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("Starting MCP server",
		slog.String("transport", transport),
		slog.String("root", s.ws.Root()))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		} else {
			s.logger.Info("MCP server stopped gracefully")
		}
		return err
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

func tool(name string) *mcp.Tool {
	for _, t := range tools {
		if t.Name == name {
			return &mcp.Tool{Name: t.Name, Description: t.Description}
		}
	}
	panic("mcp: unregistered tool " + name)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func decodeArgs(args map[string]any, v any) error {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError("failed to encode arguments")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
