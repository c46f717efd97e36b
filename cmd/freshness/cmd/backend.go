package cmd

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/workspace"
)

// backend runs workspace operations either through a running daemon or
// in-process against the fingerprint store.
type backend interface {
	Status(ctx context.Context, root string) (health.Snapshot, error)
	ForceReconcile(ctx context.Context, p daemon.ForceReconcileParams) (daemon.ReconcileResult, error)
	Defeaters(ctx context.Context, p daemon.DefeatersParams) ([]daemon.DefeaterInfo, error)
	ResolveDefeater(ctx context.Context, p daemon.ResolveDefeaterParams) (daemon.DefeaterInfo, error)
	ReportContradiction(ctx context.Context, p daemon.ContradictionParams) (daemon.DefeaterInfo, error)
}

// daemonConfig returns the daemon configuration with the --socket override.
func daemonConfig() daemon.Config {
	cfg := daemon.DefaultConfig()
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	return cfg
}

// connect prefers the daemon. Without one it opens the workspace locally;
// the returned close func must always be called.
func connect(ctx context.Context) (backend, func(), bool) {
	client := daemon.NewClient(daemonConfig())
	if client.IsRunning() {
		return remoteBackend{client: client}, func() {}, true
	}

	registry := workspace.NewRegistry(workspace.Options{Logger: slog.Default()})
	closeFn := func() {
		if err := registry.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to close workspace", slog.String("error", err.Error()))
		}
	}
	return daemon.NewRegistryHandler(registry, false), closeFn, false
}

type remoteBackend struct {
	client *daemon.Client
}

func (b remoteBackend) Status(ctx context.Context, root string) (health.Snapshot, error) {
	res, err := b.client.Status(ctx, root)
	if err != nil {
		return health.Snapshot{}, err
	}
	if res.Workspace == nil {
		return health.Snapshot{}, nil
	}
	return *res.Workspace, nil
}

func (b remoteBackend) ForceReconcile(ctx context.Context, p daemon.ForceReconcileParams) (daemon.ReconcileResult, error) {
	res, err := b.client.ForceReconcile(ctx, p)
	if err != nil {
		return daemon.ReconcileResult{}, err
	}
	return *res, nil
}

func (b remoteBackend) Defeaters(ctx context.Context, p daemon.DefeatersParams) ([]daemon.DefeaterInfo, error) {
	return b.client.Defeaters(ctx, p)
}

func (b remoteBackend) ResolveDefeater(ctx context.Context, p daemon.ResolveDefeaterParams) (daemon.DefeaterInfo, error) {
	d, err := b.client.ResolveDefeater(ctx, p)
	if err != nil {
		return daemon.DefeaterInfo{}, err
	}
	return *d, nil
}

func (b remoteBackend) ReportContradiction(ctx context.Context, p daemon.ContradictionParams) (daemon.DefeaterInfo, error) {
	d, err := b.client.ReportContradiction(ctx, p)
	if err != nil {
		return daemon.DefeaterInfo{}, err
	}
	return *d, nil
}
