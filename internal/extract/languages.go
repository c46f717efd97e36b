package extract

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// SymbolKind classifies a declared symbol.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolType      SymbolKind = "type"
	SymbolConstant  SymbolKind = "constant"
	SymbolVariable  SymbolKind = "variable"
)

// Language describes how to find declarations and imports in one grammar.
type Language struct {
	Name       string
	Extensions []string
	// Declarations maps declaring node types to the symbol kind they introduce.
	Declarations map[string]SymbolKind
	// Imports lists node types that carry an import source.
	Imports []string
	// BodyTypes are block node types; variables declared inside them are locals.
	BodyTypes []string
	// ResolveRelative enables resolving "./x" style imports to workspace files.
	ResolveRelative bool

	grammar *sitter.Language
}

func (l *Language) isImport(nodeType string) bool {
	for _, t := range l.Imports {
		if t == nodeType {
			return true
		}
	}
	return false
}

func (l *Language) isBody(nodeType string) bool {
	for _, t := range l.BodyTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}

// Registry maps file extensions to languages.
type Registry struct {
	mu        sync.RWMutex
	languages map[string]*Language
	byExt     map[string]string
}

// NewRegistry creates a registry with the built-in grammars.
func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]*Language),
		byExt:     make(map[string]string),
	}
	for _, l := range builtinLanguages() {
		r.Register(l)
	}
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the shared built-in registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds or replaces a language.
func (r *Registry) Register(l *Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[l.Name] = l
	for _, ext := range l.Extensions {
		r.byExt[strings.ToLower(ext)] = l.Name
	}
}

// ForPath returns the language for a file path by extension.
func (r *Registry) ForPath(path string) (*Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, false
	}
	l, ok := r.languages[name]
	return l, ok
}

// ByName returns the language registered under name.
func (r *Registry) ByName(name string) (*Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.languages[name]
	return l, ok
}

// Extensions returns every registered extension.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	return exts
}

func builtinLanguages() []*Language {
	ecma := map[string]SymbolKind{
		"function_declaration":           SymbolFunction,
		"generator_function_declaration": SymbolFunction,
		"method_definition":              SymbolMethod,
		"class_declaration":              SymbolClass,
		"variable_declarator":            SymbolVariable,
	}
	ts := map[string]SymbolKind{
		"interface_declaration":      SymbolInterface,
		"type_alias_declaration":     SymbolType,
		"enum_declaration":           SymbolType,
		"abstract_class_declaration": SymbolClass,
	}
	for k, v := range ecma {
		ts[k] = v
	}
	ecmaImports := []string{"import_statement", "export_statement"}
	ecmaBodies := []string{"statement_block", "class_body"}

	return []*Language{
		{
			Name:       "go",
			Extensions: []string{".go"},
			Declarations: map[string]SymbolKind{
				"function_declaration": SymbolFunction,
				"method_declaration":   SymbolMethod,
				"type_spec":            SymbolType,
				"const_spec":           SymbolConstant,
				"var_spec":             SymbolVariable,
			},
			Imports:   []string{"import_spec"},
			BodyTypes: []string{"block"},
			grammar:   golang.GetLanguage(),
		},
		{
			Name:            "typescript",
			Extensions:      []string{".ts", ".mts", ".cts"},
			Declarations:    ts,
			Imports:         ecmaImports,
			BodyTypes:       ecmaBodies,
			ResolveRelative: true,
			grammar:         typescript.GetLanguage(),
		},
		{
			Name:            "tsx",
			Extensions:      []string{".tsx"},
			Declarations:    ts,
			Imports:         ecmaImports,
			BodyTypes:       ecmaBodies,
			ResolveRelative: true,
			grammar:         tsx.GetLanguage(),
		},
		{
			Name:            "javascript",
			Extensions:      []string{".js", ".jsx", ".mjs", ".cjs"},
			Declarations:    ecma,
			Imports:         ecmaImports,
			BodyTypes:       ecmaBodies,
			ResolveRelative: true,
			grammar:         javascript.GetLanguage(),
		},
		{
			Name:       "python",
			Extensions: []string{".py", ".pyi"},
			Declarations: map[string]SymbolKind{
				"function_definition": SymbolFunction,
				"class_definition":    SymbolClass,
			},
			Imports:   []string{"import_statement", "import_from_statement"},
			BodyTypes: []string{"block"},
			grammar:   python.GetLanguage(),
		},
	}
}
