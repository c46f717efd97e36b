package preflight

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/store"
)

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{"required pass is not critical", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail is critical", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail is not critical", CheckResult{Status: StatusFail}, false},
		{"required warn is not critical", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestChecker_SummaryStatus(t *testing.T) {
	c := New(t.TempDir(), nil)

	assert.Equal(t, "ready", c.SummaryStatus([]CheckResult{{Status: StatusPass}}))
	assert.Equal(t, "ready_with_warnings", c.SummaryStatus([]CheckResult{{Status: StatusPass}, {Status: StatusWarn}}))
	assert.Equal(t, "ready_with_warnings", c.SummaryStatus([]CheckResult{{Status: StatusFail}}))
	assert.Equal(t, "failed", c.SummaryStatus([]CheckResult{{Status: StatusWarn}, {Status: StatusFail, Required: true}}))
}

func TestCheckConfig(t *testing.T) {
	assert.Equal(t, StatusPass, New(t.TempDir(), nil).CheckConfig().Status)

	cfg := config.NewConfig()
	cfg.Telemetry.TraceExporter = "jaeger"
	r := New(t.TempDir(), cfg).CheckConfig()
	assert.Equal(t, StatusFail, r.Status)
	assert.True(t, r.IsCritical())
}

func TestCheckWritePermissions(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)

	assert.Equal(t, StatusPass, c.CheckWritePermissions(dir).Status)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the test file is removed")

	assert.Equal(t, StatusFail, c.CheckWritePermissions(filepath.Join(dir, "missing")).Status)
}

func TestCheckDiskSpace(t *testing.T) {
	r := New(t.TempDir(), nil).CheckDiskSpace(t.TempDir())

	assert.Equal(t, "disk_space", r.Name)
	assert.Contains(t, r.Message, "free")
}

func TestCheckFileDescriptors(t *testing.T) {
	r := New(t.TempDir(), nil).CheckFileDescriptors()

	assert.Equal(t, "file_descriptors", r.Name)
	assert.Contains(t, r.Message, "minimum")
}

func fakeProc(t *testing.T, watches string) string {
	t.Helper()
	proc := t.TempDir()
	dir := filepath.Join(proc, "sys", "fs", "inotify")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "max_user_watches"), []byte(watches+"\n"), 0o644))
	return proc
}

func workspaceWithDirs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"a", "a/b", "c", ".git/objects", ".freshness"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	return root
}

func TestCheckWatchLimit(t *testing.T) {
	root := workspaceWithDirs(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		watches string
		want    CheckStatus
	}{
		{"plenty", "8192", StatusPass},
		{"close to limit", "4", StatusWarn},
		{"over limit", "2", StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(root, nil, withProcDir(fakeProc(t, tt.watches))).CheckWatchLimit(ctx)
			assert.Equal(t, tt.want, r.Status)
			// root, a, a/b, c; .git and the state dir are not watched
			assert.Contains(t, r.Message, "4 directories")
		})
	}
}

func TestCheckWatchLimit_NoInotify(t *testing.T) {
	r := New(t.TempDir(), nil, withProcDir(t.TempDir())).CheckWatchLimit(context.Background())

	assert.Equal(t, StatusPass, r.Status)
	assert.Contains(t, r.Message, "no inotify")
}

func TestCheckGit(t *testing.T) {
	cfg := config.NewConfig()
	off := false
	cfg.Detect.GitFastPath = &off
	r := New(t.TempDir(), cfg).CheckGit()
	assert.Equal(t, StatusPass, r.Status)
	assert.Contains(t, r.Message, "disabled")

	r = New(t.TempDir(), nil).CheckGit()
	assert.Equal(t, StatusPass, r.Status)
	assert.Contains(t, r.Message, "not a git repository")
}

func TestCheckStore_NoStore(t *testing.T) {
	results := New(t.TempDir(), nil).CheckStore(context.Background())

	require.Len(t, results, 1)
	assert.Equal(t, StatusPass, results[0].Status)
}

func TestCheckStore_Corrupt(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, config.DataDirName, store.DBFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("garbage!"), 512), 0o644))

	results := New(root, nil).CheckStore(context.Background())

	require.Len(t, results, 1)
	assert.Equal(t, StatusWarn, results[0].Status)
	_, err := os.Stat(path)
	assert.NoError(t, err, "the check must not repair the store")
}

func TestCheckStore_Healthy(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, config.DataDirName, store.DBFileName))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	results := New(root, nil).CheckStore(context.Background())

	require.Len(t, results, 2)
	assert.Equal(t, "store_integrity", results[0].Name)
	assert.Equal(t, StatusPass, results[0].Status)
	assert.Equal(t, "store_consistency", results[1].Name)
	assert.Equal(t, StatusPass, results[1].Status)
}

func TestChecker_RunAll(t *testing.T) {
	root := workspaceWithDirs(t)
	c := New(root, nil, withProcDir(fakeProc(t, "8192")))

	results := c.RunAll(context.Background())

	var names []string
	for _, r := range results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"config", "disk_space", "write_permissions", "file_descriptors",
		"watch_limit", "git", "store_integrity",
	}, names)
}
