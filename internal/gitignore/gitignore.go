package gitignore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// FileName is the per-directory ignore file.
const FileName = ".gitignore"

// Matcher holds compiled patterns. It is safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	source   string // pattern as written, for Digest
	re       *regexp.Regexp
	base     string // directory the pattern is relative to ("" = root)
	negate   bool
	dirOnly  bool
	anchored bool
}

// New returns an empty matcher.
func New() *Matcher {
	return &Matcher{}
}

// Add compiles one pattern. base scopes it to a subdirectory (slash-separated,
// relative to the root), as for a nested .gitignore.
func (m *Matcher) Add(pattern, base string) {
	r, ok := compile(pattern, filepath.ToSlash(base))
	if !ok {
		return
	}
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddAll compiles patterns relative to the root.
func (m *Matcher) AddAll(patterns []string) {
	for _, p := range patterns {
		m.Add(p, "")
	}
}

// AddFile reads an ignore file.
func (m *Matcher) AddFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.Add(sc.Text(), base)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read ignore file %s: %w", path, err)
	}
	return nil
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Match reports whether rel (slash- or OS-separated, relative to the root) is
// matched. The last matching pattern wins, so a negation can re-include.
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := false
	for i := range m.rules {
		if m.rules[i].matches(rel, isDir) {
			matched = !m.rules[i].negate
		}
	}
	return matched
}

// MatchDir reports whether a directory, or everything inside it, is matched.
// "**/vendor/**" matches nothing named vendor itself but does match "vendor/".
func (m *Matcher) MatchDir(rel string) bool {
	rel = strings.TrimSuffix(filepath.ToSlash(rel), "/")
	return m.Match(rel, true) || m.Match(rel+"/", true)
}

// Digest returns a stable hash of the loaded patterns. Two matchers with the
// same patterns under the same bases have the same digest.
func (m *Matcher) Digest() string {
	m.mu.RLock()
	lines := make([]string, 0, len(m.rules))
	for _, r := range m.rules {
		lines = append(lines, r.base+"\x00"+r.source)
	}
	m.mu.RUnlock()

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Load collects every .gitignore under root (skipping .git and any directory
// already ignored by a parent file) into one matcher.
func Load(root string) (*Matcher, error) {
	m := New()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			rel = ""
		}
		if d.Name() == ".git" || (rel != "" && m.MatchDir(rel)) {
			return filepath.SkipDir
		}

		candidate := filepath.Join(path, FileName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			if addErr := m.AddFile(candidate, rel); addErr != nil {
				return addErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore files under %s: %w", root, err)
	}
	return m, nil
}

func compile(pattern, base string) (rule, bool) {
	keepTrailingSpace := strings.HasSuffix(pattern, `\ `)
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || (strings.HasPrefix(pattern, "#") && !strings.HasPrefix(pattern, `\#`)) {
		return rule{}, false
	}

	r := rule{source: pattern, base: strings.Trim(base, "/")}

	switch {
	case strings.HasPrefix(pattern, `\#`), strings.HasPrefix(pattern, `\!`):
		pattern = pattern[1:]
	case strings.HasPrefix(pattern, "!"):
		r.negate = true
		pattern = pattern[1:]
	}

	if keepTrailingSpace && strings.HasSuffix(pattern, `\`) {
		pattern = strings.TrimSuffix(pattern, `\`) + " "
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}
	// "doc/frotz" is relative to the base, not "**/doc/frotz".
	if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") && !strings.HasPrefix(pattern, "*") {
		r.anchored = true
	}
	if pattern == "" {
		return rule{}, false
	}

	r.re = regexp.MustCompile("^" + translate(pattern) + "$")
	return r, true
}

func (r *rule) matches(rel string, isDir bool) bool {
	if r.base != "" {
		switch {
		case rel == r.base:
			rel = filepath.Base(rel)
		case strings.HasPrefix(rel, r.base+"/"):
			rel = rel[len(r.base)+1:]
		default:
			return false
		}
	}

	parts := strings.Split(rel, "/")
	last := len(parts) - 1

	if r.anchored {
		if r.re.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		if r.dirOnly {
			// A matched directory ignores everything below it.
			for i := 0; i < last; i++ {
				if r.re.MatchString(strings.Join(parts[:i+1], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.re.MatchString(part) {
				return i < last || isDir
			}
		}
		return false
	}

	if r.re.MatchString(rel) {
		return true
	}
	for _, part := range parts {
		if r.re.MatchString(part) {
			return true
		}
	}
	return false
}

// translate turns a glob into a regular expression body.
func translate(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
					continue
				}
				if i == 0 || pattern[i-1] == '/' {
					b.WriteString(".*")
					i++
					continue
				}
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+end+1]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
