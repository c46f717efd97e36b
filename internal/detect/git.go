package detect

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/freshness/internal/changeset"
)

// GitClient runs git in a workspace directory. Paths it returns are
// slash-separated and relative to that directory.
//
// GitClient is safe for concurrent use.
type GitClient struct {
	workDir string
}

// NewGitClient creates a client for workDir.
func NewGitClient(workDir string) *GitClient {
	return &GitClient{workDir: workDir}
}

// NameStatus is one line of `git diff --name-status`.
type NameStatus struct {
	Path    string
	OldPath string
	Kind    changeset.Kind
}

// IsRepo reports whether the working directory is inside a git work tree.
func (g *GitClient) IsRepo(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Head returns the commit SHA of HEAD.
func (g *GitClient) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Reachable reports whether sha names a commit present in the local object
// database. Shallow clones and rewritten history make old cursors unreachable.
func (g *GitClient) Reachable(ctx context.Context, sha string) bool {
	if sha == "" {
		return false
	}
	_, err := g.run(ctx, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// DiffCommits returns path changes between two commits, with rename detection.
func (g *GitClient) DiffCommits(ctx context.Context, from, to string) ([]NameStatus, error) {
	out, err := g.run(ctx, "diff", "--name-status", "-z", "-M", "--relative", from, to, "--")
	if err != nil {
		return nil, err
	}
	return parseNameStatus(out)
}

// DiffWorktree returns staged and unstaged changes relative to HEAD.
func (g *GitClient) DiffWorktree(ctx context.Context) ([]NameStatus, error) {
	out, err := g.run(ctx, "diff", "--name-status", "-z", "-M", "--relative", "HEAD", "--")
	if err != nil {
		return nil, err
	}
	return parseNameStatus(out)
}

// Untracked lists untracked files that are not ignored.
func (g *GitClient) Untracked(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "ls-files", "-z", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, p := range bytes.Split(out, []byte{0}) {
		if len(p) > 0 {
			paths = append(paths, filepath.ToSlash(string(p)))
		}
	}
	return paths, nil
}

func (g *GitClient) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-c", "core.quotepath=off"}, args...)...)
	cmd.Dir = g.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// parseNameStatus parses NUL-separated `git diff --name-status -z` output:
//
//	M\0path\0
//	R100\0old\0new\0
func parseNameStatus(out []byte) ([]NameStatus, error) {
	fields := strings.Split(strings.TrimSuffix(string(out), "\x00"), "\x00")
	if len(fields) == 1 && fields[0] == "" {
		return nil, nil
	}

	var result []NameStatus
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		if i+1 >= len(fields) {
			return nil, fmt.Errorf("parsing git output: status %q without path", status)
		}

		ns := NameStatus{Path: filepath.ToSlash(fields[i+1])}
		step := 2

		switch status[0] {
		case 'A':
			ns.Kind = changeset.Added
		case 'D':
			ns.Kind = changeset.Deleted
		case 'R':
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("parsing git output: rename without destination")
			}
			ns.Kind = changeset.Renamed
			ns.OldPath = filepath.ToSlash(fields[i+1])
			ns.Path = filepath.ToSlash(fields[i+2])
			step = 3
		case 'C':
			// A copy leaves the source untouched.
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("parsing git output: copy without destination")
			}
			ns.Kind = changeset.Added
			ns.Path = filepath.ToSlash(fields[i+2])
			step = 3
		default:
			// M, T (type change), U (unmerged) and anything newer.
			ns.Kind = changeset.Modified
		}

		result = append(result, ns)
		i += step
	}
	return result, nil
}
