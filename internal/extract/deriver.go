// Package extract is the default knowledge deriver. It parses sources with
// tree-sitter and turns declarations into entity artifacts and imports into
// relation artifacts, so that a change to one file reaches its importers.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/store"
)

const (
	// ProviderID identifies artifacts derived by this package.
	ProviderID = "tree-sitter"
	// Version changes when derivation output changes shape; a new version
	// triggers the model-upgrade confidence step.
	Version = "tree-sitter/1"

	// CleanConfidence is the initial confidence of a clean parse.
	CleanConfidence = 0.9
	// PartialConfidence applies when the tree contains syntax errors.
	PartialConfidence = 0.6
)

var relativeCandidates = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", "/index.ts", "/index.tsx", "/index.js"}

// Deriver derives artifacts from file content.
type Deriver struct {
	parser *Parser
	exists func(path string) bool
}

// NewDeriver creates a deriver over registry (DefaultRegistry when nil).
func NewDeriver(registry *Registry) *Deriver {
	return &Deriver{
		parser: NewParser(registry),
		exists: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && !info.IsDir()
		},
	}
}

// Version returns the derivation version recorded on artifacts.
func (d *Deriver) Version() string { return Version }

// Derive returns the artifacts for one file. Every file yields its file
// entity; files in a supported language add one entity per declaration and
// one relation per import. IDs, validity and hashes are left to the caller.
func (d *Deriver) Derive(ctx context.Context, path string, content []byte) ([]store.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest := sha256.Sum256(content)
	prov := store.Provenance{ProviderID: ProviderID, CallDigest: hex.EncodeToString(digest[:8])}

	lang, ok := d.parser.Registry().ForPath(path)
	if !ok {
		prov.ModelID = "file"
		return []store.Artifact{d.artifact(store.ArtifactEntity, store.FileKey(path), "", path, CleanConfidence, prov)}, nil
	}
	prov.ModelID = lang.Name

	tree, err := d.parser.Parse(ctx, path, content)
	if err != nil {
		return nil, errors.New(errors.ErrCodeExtractionFailed, "parse failed", err).WithDetail("path", path)
	}

	conf := CleanConfidence
	if tree.Root.HasError {
		conf = PartialConfidence
	}

	out := []store.Artifact{d.artifact(store.ArtifactEntity, store.FileKey(path), "", path, conf, prov)}
	seen := map[string]bool{out[0].Key: true}
	add := func(a store.Artifact) {
		if seen[a.Key] {
			return
		}
		seen[a.Key] = true
		out = append(out, a)
	}

	for _, sym := range Symbols(tree) {
		add(d.artifact(store.ArtifactEntity, store.SymbolKey(path, sym.Qualified), "", path, conf, prov))
	}
	for _, imp := range Imports(tree) {
		target := d.resolve(lang, path, imp.Spec)
		if target == "" {
			continue
		}
		add(d.artifact(store.ArtifactRelation, store.ImportKey(path, target), target, path, conf, prov))
	}
	return out, nil
}

func (d *Deriver) artifact(kind store.ArtifactKind, key, target, path string, conf float64, prov store.Provenance) store.Artifact {
	return store.Artifact{
		Kind:         kind,
		Key:          key,
		Target:       target,
		Confidence:   conf,
		SourcePaths:  []string{path},
		ModelVersion: Version,
		Provenance:   prov,
	}
}

// resolve maps an import spec to the key it targets: a file key for
// relative imports, a module key otherwise.
func (d *Deriver) resolve(lang *Language, from, spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ""
	}
	dir := filepath.Dir(from)

	switch {
	case lang.ResolveRelative && (strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")):
		base := filepath.Join(dir, spec)
		if _, known := d.parser.Registry().ForPath(base); known {
			return store.FileKey(base)
		}
		for _, suffix := range relativeCandidates {
			if d.exists(base + suffix) {
				return store.FileKey(base + suffix)
			}
		}
		// Not on disk yet; assume the importer's own extension.
		return store.FileKey(base + filepath.Ext(from))

	case lang.Name == "python" && strings.HasPrefix(spec, "."):
		rest := strings.TrimLeft(spec, ".")
		for i := 1; i < len(spec)-len(rest); i++ {
			dir = filepath.Dir(dir)
		}
		if rest == "" {
			return store.FileKey(filepath.Join(dir, "__init__.py"))
		}
		return store.FileKey(filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(rest, ".", "/"))+".py"))

	default:
		return store.ModuleKeyPrefix + spec
	}
}
