package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/store"
)

func keysOf(arts []store.Artifact, kind store.ArtifactKind) []string {
	var keys []string
	for _, a := range arts {
		if a.Kind == kind {
			keys = append(keys, a.Key)
		}
	}
	return keys
}

func TestDeriver_GoDeclarationsAndImports(t *testing.T) {
	// Given: a Go file with a constant, a type, a method and a function
	path := "/w/cmd/main.go"
	src := []byte(`package main

import (
	"fmt"
	"os"
)

const Version = "1"

type Server struct{}

func (s *Server) Start() {
	var local = 1
	_ = local
}

func main() {
	fmt.Println(os.Args)
}
`)

	// When: deriving
	arts, err := NewDeriver(nil).Derive(context.Background(), path, src)

	// Then: the file entity, one entity per declaration and one relation per import
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"file:/w/cmd/main.go",
		"sym:/w/cmd/main.go#Version",
		"sym:/w/cmd/main.go#Server",
		"sym:/w/cmd/main.go#Server.Start",
		"sym:/w/cmd/main.go#main",
	}, keysOf(arts, store.ArtifactEntity))
	assert.ElementsMatch(t, []string{
		"imports:/w/cmd/main.go->module:fmt",
		"imports:/w/cmd/main.go->module:os",
	}, keysOf(arts, store.ArtifactRelation))

	for _, a := range arts {
		assert.Equal(t, CleanConfidence, a.Confidence)
		assert.Equal(t, []string{path}, a.SourcePaths)
		assert.Equal(t, Version, a.ModelVersion)
		assert.Equal(t, "go", a.Provenance.ModelID)
		assert.NotEmpty(t, a.Provenance.CallDigest)
	}
}

func TestDeriver_TypeScriptRelativeImportResolvesToFile(t *testing.T) {
	// Given: a.ts importing ./b which exists as b.ts
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ts"), []byte("export const b = 1;\n"), 0o644))
	path := filepath.Join(dir, "a.ts")
	src := []byte(`import { b } from './b';
import * as path from 'path';

export interface User { name: string }

export class Greeter {
  greet(u: User): string {
    const local = 1;
    return u.name + local;
  }
}

export const add = (x: number, y: number) => x + y;

function helper() {
  let inner = 2;
  return inner;
}
`)

	// When: deriving
	arts, err := NewDeriver(nil).Derive(context.Background(), path, src)

	// Then: locals are skipped and the relative import targets b.ts
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		store.FileKey(path),
		store.SymbolKey(path, "User"),
		store.SymbolKey(path, "Greeter"),
		store.SymbolKey(path, "Greeter.greet"),
		store.SymbolKey(path, "add"),
		store.SymbolKey(path, "helper"),
	}, keysOf(arts, store.ArtifactEntity))

	var targets []string
	for _, a := range arts {
		if a.Kind == store.ArtifactRelation {
			targets = append(targets, a.Target)
		}
	}
	assert.ElementsMatch(t, []string{store.FileKey(filepath.Join(dir, "b.ts")), "module:path"}, targets)
}

func TestDeriver_RelativeImportOfMissingFileAssumesImporterExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ts")

	arts, err := NewDeriver(nil).Derive(context.Background(), path, []byte("import { c } from '../lib/c';\n"))

	require.NoError(t, err)
	want := store.ImportKey(path, store.FileKey(filepath.Join(filepath.Dir(dir), "lib", "c.ts")))
	assert.Contains(t, keysOf(arts, store.ArtifactRelation), want)
}

func TestDeriver_RequireCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.js")
	src := []byte(`const util = require('./util.js');
const fs = require("fs");
`)

	arts, err := NewDeriver(nil).Derive(context.Background(), path, src)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		store.ImportKey(path, store.FileKey(filepath.Join(dir, "util.js"))),
		store.ImportKey(path, "module:fs"),
	}, keysOf(arts, store.ArtifactRelation))
}

func TestDeriver_PythonMethodsAndRelativeImports(t *testing.T) {
	path := "/w/pkg/repo.py"
	src := []byte(`import os
from .util import helper


class Repo:
    def save(self):
        def inner():
            pass
        return inner


def main():
    pass
`)

	arts, err := NewDeriver(nil).Derive(context.Background(), path, src)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"file:/w/pkg/repo.py",
		"sym:/w/pkg/repo.py#Repo",
		"sym:/w/pkg/repo.py#Repo.save",
		"sym:/w/pkg/repo.py#main",
	}, keysOf(arts, store.ArtifactEntity))
	assert.ElementsMatch(t, []string{
		"imports:/w/pkg/repo.py->module:os",
		"imports:/w/pkg/repo.py->file:/w/pkg/util.py",
	}, keysOf(arts, store.ArtifactRelation))
}

func TestDeriver_SyntaxErrorLowersConfidence(t *testing.T) {
	// Given: Go source that does not parse cleanly
	src := []byte(`package main

func broken( {
}
`)

	// When: deriving
	arts, err := NewDeriver(nil).Derive(context.Background(), "/w/broken.go", src)

	// Then: a partial result at reduced confidence, not an error
	require.NoError(t, err)
	require.NotEmpty(t, arts)
	for _, a := range arts {
		assert.Equal(t, PartialConfidence, a.Confidence)
	}
}

func TestDeriver_UnsupportedFileYieldsFileEntityOnly(t *testing.T) {
	arts, err := NewDeriver(nil).Derive(context.Background(), "/w/README.md", []byte("# hi\n"))

	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, store.ArtifactEntity, arts[0].Kind)
	assert.Equal(t, "file:/w/README.md", arts[0].Key)
	assert.Equal(t, "file", arts[0].Provenance.ModelID)
}

func TestDeriver_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDeriver(nil).Derive(ctx, "/w/a.go", []byte("package a\n"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, errors.ErrCodeExtractionFailed, errors.GetCode(err))
}

func TestRegistry_ForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"a.go", "go", true},
		{"A.TS", "typescript", true},
		{"view.tsx", "tsx", true},
		{"x.mjs", "javascript", true},
		{"y.py", "python", true},
		{"notes.txt", "", false},
	}
	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			l, ok := r.ForPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, l.Name)
			}
		})
	}
}
