package gitignore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		isDir    bool
		expected bool
	}{
		{name: "basename anywhere", patterns: []string{"foo.txt"}, path: "a/b/foo.txt", expected: true},
		{name: "basename no match", patterns: []string{"foo.txt"}, path: "bar.txt", expected: false},
		{name: "extension wildcard", patterns: []string{"*.log"}, path: "logs/error.log", expected: true},
		{name: "question mark is one char", patterns: []string{"file?.txt"}, path: "file12.txt", expected: false},
		{name: "char class", patterns: []string{"file[0-9].txt"}, path: "file7.txt", expected: true},
		{name: "negated char class", patterns: []string{"file[!0-9].txt"}, path: "file7.txt", expected: false},
		{name: "double star prefix", patterns: []string{"**/node_modules/**"}, path: "web/node_modules/x/y.js", expected: true},
		{name: "double star at root", patterns: []string{"**/node_modules/**"}, path: "node_modules/y.js", expected: true},
		{name: "double star middle", patterns: []string{"a/**/b"}, path: "a/x/y/b", expected: true},
		{name: "rooted only at root", patterns: []string{"/build"}, path: "src/build", expected: false},
		{name: "rooted match", patterns: []string{"/build"}, path: "build", isDir: true, expected: true},
		{name: "dir only skips files", patterns: []string{"tmp/"}, path: "tmp", isDir: false, expected: false},
		{name: "dir only covers contents", patterns: []string{"tmp/"}, path: "src/tmp/x.go", expected: true},
		{name: "inner slash anchors", patterns: []string{"doc/frotz"}, path: "x/doc/frotz", expected: false},
		{name: "negation re-includes", patterns: []string{"*.log", "!keep.log"}, path: "keep.log", expected: false},
		{name: "later pattern wins", patterns: []string{"!keep.log", "*.log"}, path: "keep.log", expected: true},
		{name: "escaped hash", patterns: []string{`\#notes`}, path: "#notes", expected: true},
		{name: "comment ignored", patterns: []string{"# *.go"}, path: "main.go", expected: false},
		{name: "regex metachars are literal", patterns: []string{"a+b(1).txt"}, path: "a+b(1).txt", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.AddAll(tt.patterns)
			assert.Equal(t, tt.expected, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_NestedBase(t *testing.T) {
	m := New()
	m.Add("*.gen.go", "api")
	m.Add("/out", "web")

	assert.True(t, m.Match("api/v1/types.gen.go", false))
	assert.False(t, m.Match("cmd/types.gen.go", false), "scoped to api/")
	assert.True(t, m.Match("web/out", true))
	assert.False(t, m.Match("web/src/out", true), "anchored to web/")
}

func TestMatcher_MatchDir(t *testing.T) {
	m := New()
	m.AddAll([]string{"**/vendor/**", "dist/"})

	assert.True(t, m.MatchDir("vendor"))
	assert.True(t, m.MatchDir("a/vendor"))
	assert.True(t, m.MatchDir("dist"))
	assert.False(t, m.MatchDir("src"))
}

func TestMatcher_Digest(t *testing.T) {
	a := New()
	a.AddAll([]string{"*.log", "tmp/"})
	b := New()
	b.AddAll([]string{"# comment", "*.log", "", "tmp/"})

	assert.Equal(t, a.Digest(), b.Digest(), "comments and blanks do not count")

	b.Add("*.bak", "")
	assert.NotEqual(t, a.Digest(), b.Digest())

	c := New()
	c.Add("*.log", "sub")
	c.Add("tmp/", "sub")
	assert.NotEqual(t, a.Digest(), c.Digest(), "base is part of the digest")
}

func TestLoad_CollectsNestedFiles(t *testing.T) {
	root := t.TempDir()

	// Given: a root ignore, a nested one, and one inside an ignored directory
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write(".gitignore", "*.log\nignored/\n")
	write("pkg/.gitignore", "generated.go\n")
	write("ignored/.gitignore", "!*.log\n")
	write(".git/info/.gitignore", "*.go\n")

	// When: loading
	m, err := Load(root)
	require.NoError(t, err)

	// Then: nested rules are scoped and ignored directories are never read
	assert.Equal(t, 3, m.Len())
	assert.True(t, m.Match("a/b.log", false))
	assert.True(t, m.Match("pkg/generated.go", false))
	assert.False(t, m.Match("generated.go", false))
	assert.True(t, m.Match("ignored/x.log", false))
	assert.False(t, m.Match("main.go", false))
}

func TestLoad_MissingRoot(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestMatcher_ConcurrentUse(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Add("*.tmp", "")
		}()
		go func() {
			defer wg.Done()
			_ = m.Match("x.tmp", false)
		}()
	}
	wg.Wait()
	assert.True(t, m.Match("x.tmp", false))
}
