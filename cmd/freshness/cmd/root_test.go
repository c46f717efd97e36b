package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps logs and user config inside the test's temp dirs and
// points the CLI at a socket no daemon listens on.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return filepath.Join(t.TempDir(), "none.sock")
}

// newWorkspace creates a project with one source file and git detection
// turned off.
func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".freshness.yaml"),
		[]byte("detect:\n  git_fast_path: false\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))
	return root
}

func runCLI(t *testing.T, socket string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--socket", socket}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	socket := isolate(t)

	out, err := runCLI(t, socket, "--help")

	require.NoError(t, err)
	for _, sub := range []string{"watch", "status", "reconcile", "defeaters", "contradict", "doctor", "serve", "stop", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	socket := isolate(t)

	_, err := runCLI(t, socket, "index")

	assert.Error(t, err)
}

func TestResolveRoot_RejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := resolveRoot([]string{file})

	assert.Error(t, err)
}

func TestResolveRoot_FindsProjectConfig(t *testing.T) {
	root := newWorkspace(t)
	sub := filepath.Join(root, "pkg", "inner")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	got, err := resolveRoot([]string{sub})

	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestRootCmd_ProfilesARun(t *testing.T) {
	socket := isolate(t)
	heap := filepath.Join(t.TempDir(), "heap.prof")

	_, err := runCLI(t, socket, "--profile-mem", heap, "version", "--short")

	require.NoError(t, err)
	assert.FileExists(t, heap)
}
