package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/workspace"
)

func statusOf(t *testing.T, socket, root string) statusReport {
	t.Helper()
	out, err := runCLI(t, socket, "status", "--json", root)
	require.NoError(t, err, out)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	return report
}

func TestStatusCmd_NeverReconciled(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	report := statusOf(t, socket, root)

	assert.Equal(t, root, report.Root)
	assert.False(t, report.Watched)
	assert.Equal(t, health.StatusCatchUpRequired, report.Health.Status)
	assert.Equal(t, "workspace was never reconciled", report.Health.Reason)
	assert.NoDirExists(t, filepath.Join(root, config.DataDirName), "cold status must not create state")
}

func TestStatusCmd_HumanOutput(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	out, err := runCLI(t, socket, "status", root)

	require.NoError(t, err)
	assert.Contains(t, out, "catch_up_required")
	assert.Contains(t, out, "Not watched")
}

func TestReconcileCmd_Local(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	out, err := runCLI(t, socket, "reconcile", "--json", root)
	require.NoError(t, err, out)

	var res daemon.ReconcileResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Positive(t, res.Applied)
	assert.Zero(t, res.Failed)
	assert.True(t, res.CursorAdvanced)

	report := statusOf(t, socket, root)
	assert.Equal(t, health.StatusAlive, report.Health.Status)
	assert.False(t, report.Watched)
}

func TestReconcileCmd_Scoped(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.go"), []byte("package main\n"), 0o644))

	out, err := runCLI(t, socket, "reconcile", "--scope", "other.go", root)

	require.NoError(t, err, out)
	assert.Contains(t, out, "applied")
}

func TestDefeatersCmd_EmptyWorkspace(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	out, err := runCLI(t, socket, "defeaters", "--active", "--json", root)
	require.NoError(t, err, out)

	var ds []daemon.DefeaterInfo
	require.NoError(t, json.Unmarshal([]byte(out), &ds))
	assert.Empty(t, ds)
}

func TestDefeatersCmd_ResolveRequiresMethod(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	_, err := runCLI(t, socket, "defeaters", "--resolve", "d-1", root)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "method is required")
	assert.NoDirExists(t, filepath.Join(root, config.DataDirName))
}

func TestContradictCmd_UnknownArtifact(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	_, err := runCLI(t, socket, "contradict", "no-such-artifact", "--root", root)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown artifact")
}

func TestStopCmd_NotRunning(t *testing.T) {
	socket := isolate(t)

	out, err := runCLI(t, socket, "stop")

	require.NoError(t, err)
	assert.Contains(t, out, "Daemon is not running")
}

func TestCommands_ThroughDaemon(t *testing.T) {
	isolate(t)
	root := newWorkspace(t)
	socket := fmt.Sprintf("/tmp/freshness-cli-test-%d.sock", time.Now().UnixNano())

	d, err := daemon.NewDaemon(daemon.Config{
		SocketPath:          socket,
		PIDPath:             filepath.Join(t.TempDir(), "daemon.pid"),
		Timeout:             10 * time.Second,
		ShutdownGracePeriod: 5 * time.Second,
	}, workspace.NewRegistry(workspace.Options{}), nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background(), root) }()
	client := daemon.NewClient(daemon.Config{SocketPath: socket, Timeout: 10 * time.Second})
	require.Eventually(t, client.IsRunning, 5*time.Second, 10*time.Millisecond)

	out, err := runCLI(t, socket, "reconcile", "--json", root)
	require.NoError(t, err, out)
	var res daemon.ReconcileResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.Failed)

	report := statusOf(t, socket, root)
	assert.True(t, report.Watched)
	assert.Equal(t, os.Getpid(), report.DaemonPID)
	assert.Equal(t, health.StatusAlive, report.Health.Status)

	out, err = runCLI(t, socket, "stop")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Daemon stopped")

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit")
	}
}

func TestStatusCmd_FollowNeedsTerminal(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	_, err := runCLI(t, socket, "status", "--follow", root)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "TTY")
}

func TestDoctorCmd_JSON(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)

	out, err := runCLI(t, socket, "doctor", "--json", root)

	var report doctorReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, root, report.Root)
	assert.Equal(t, report.Status == "failed", err != nil)
	names := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "config")
	assert.Contains(t, names, "store_integrity")
}

func TestDoctorCmd_BadConfigFails(t *testing.T) {
	socket := isolate(t)
	root := newWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".freshness.yaml"),
		[]byte("telemetry:\n  trace_exporter: jaeger\n"), 0o644))

	out, err := runCLI(t, socket, "doctor", root)

	assert.Error(t, err)
	assert.Contains(t, out, "config")
}
