package daemon

import (
	"context"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/workspace"
)

// RegistryHandler serves RPC methods from a workspace registry. Workspaces
// the daemon has not opened yet are opened on first use, and watched when
// watch is set.
type RegistryHandler struct {
	registry *workspace.Registry
	watch    bool
}

// NewRegistryHandler wraps a registry.
func NewRegistryHandler(r *workspace.Registry, watch bool) *RegistryHandler {
	return &RegistryHandler{registry: r, watch: watch}
}

func (h *RegistryHandler) open(ctx context.Context, root string) (*workspace.Coordinator, error) {
	c, err := h.registry.Open(ctx, root)
	if err != nil {
		return nil, err
	}
	if h.watch && !c.Watching() {
		if err := c.WatchStart(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (h *RegistryHandler) Workspaces() []string {
	return h.registry.Roots()
}

func (h *RegistryHandler) Status(ctx context.Context, root string) (health.Snapshot, error) {
	c, err := h.open(ctx, root)
	if err != nil {
		return health.Snapshot{}, err
	}
	return c.Status(), nil
}

func (h *RegistryHandler) ForceReconcile(ctx context.Context, p ForceReconcileParams) (ReconcileResult, error) {
	c, err := h.open(ctx, p.Root)
	if err != nil {
		return ReconcileResult{}, err
	}
	res, err := c.ForceReconcile(ctx, p.Scope...)
	if err != nil {
		return ReconcileResult{}, err
	}
	return NewReconcileResult(res), nil
}

func (h *RegistryHandler) Defeaters(ctx context.Context, p DefeatersParams) ([]DefeaterInfo, error) {
	c, err := h.open(ctx, p.Root)
	if err != nil {
		return nil, err
	}
	ds, err := c.Defeaters(ctx, p.ActiveOnly)
	if err != nil {
		return nil, err
	}
	out := make([]DefeaterInfo, 0, len(ds))
	for _, d := range ds {
		out = append(out, NewDefeaterInfo(d))
	}
	return out, nil
}

func (h *RegistryHandler) ResolveDefeater(ctx context.Context, p ResolveDefeaterParams) (DefeaterInfo, error) {
	c, err := h.open(ctx, p.Root)
	if err != nil {
		return DefeaterInfo{}, err
	}
	d, err := c.ResolveDefeater(ctx, p.DefeaterID, p.Method, p.Reason)
	if err != nil {
		return DefeaterInfo{}, err
	}
	return NewDefeaterInfo(d), nil
}

func (h *RegistryHandler) ReportContradiction(ctx context.Context, p ContradictionParams) (DefeaterInfo, error) {
	c, err := h.open(ctx, p.Root)
	if err != nil {
		return DefeaterInfo{}, err
	}
	d, err := c.ReportContradiction(ctx, p.ArtifactID, p.Reason)
	if err != nil {
		return DefeaterInfo{}, err
	}
	return NewDefeaterInfo(d), nil
}
