package extract

import (
	"strings"
)

// Symbol is a top-level or member declaration.
type Symbol struct {
	Name string
	// Qualified includes the container, e.g. "Server.Start".
	Qualified string
	Kind      SymbolKind
	Line      uint32
}

// Import is one import source as written.
type Import struct {
	Spec string
	Line uint32
}

// Symbols returns the declarations of tree. Locals declared inside function
// bodies are skipped; members of classes are qualified by the class name.
func Symbols(tree *Tree) []Symbol {
	if tree == nil || tree.Root == nil {
		return nil
	}
	var out []Symbol
	var visit func(n *Node, container string, local bool)
	visit = func(n *Node, container string, local bool) {
		if kind, ok := tree.Language.Declarations[n.Type]; ok {
			kind, names, owner := declaration(tree, n, kind, container)
			if kind == SymbolFunction && container != "" && !local && tree.Language.Name == "python" {
				kind = SymbolMethod
			}
			if !local || kind == SymbolMethod {
				for _, name := range names {
					out = append(out, Symbol{Name: name, Qualified: qualify(owner, name), Kind: kind, Line: n.Line})
				}
			}
			if (kind == SymbolClass || kind == SymbolInterface) && len(names) > 0 && !local {
				for _, c := range n.Children {
					if tree.Language.isBody(c.Type) {
						for _, member := range c.Children {
							visit(member, names[0], false)
						}
						continue
					}
					visit(c, container, local)
				}
				return
			}
		}
		inner := local || tree.Language.isBody(n.Type)
		for _, c := range n.Children {
			visit(c, container, inner)
		}
	}
	visit(tree.Root, "", false)
	return out
}

// declaration resolves a declaring node's names, its final kind and the
// container its names are qualified with.
func declaration(tree *Tree, n *Node, kind SymbolKind, container string) (SymbolKind, []string, string) {
	src := tree.Source
	name := func(types ...string) []string {
		if c := n.Child(types...); c != nil {
			return []string{c.Content(src)}
		}
		return nil
	}

	switch tree.Language.Name {
	case "go":
		switch n.Type {
		case "function_declaration":
			return kind, name("identifier"), container
		case "method_declaration":
			return kind, name("field_identifier"), goReceiver(n, src)
		case "type_spec":
			return kind, name("type_identifier"), container
		default:
			// const_spec / var_spec may declare several names.
			var names []string
			for _, c := range n.Children {
				if c.Type == "identifier" {
					names = append(names, c.Content(src))
				}
			}
			return kind, names, container
		}
	case "python":
		return kind, name("identifier"), container
	}

	switch n.Type {
	case "method_definition":
		return kind, name("property_identifier", "private_property_identifier"), container
	case "variable_declarator":
		for _, c := range n.Children {
			switch c.Type {
			case "arrow_function", "function", "function_expression", "generator_function":
				kind = SymbolFunction
			}
		}
		return kind, name("identifier"), container
	default:
		return kind, name("type_identifier", "identifier"), container
	}
}

// goReceiver returns the receiver type name of a method declaration.
func goReceiver(n *Node, src []byte) string {
	recv := n.Child("parameter_list")
	if recv == nil {
		return ""
	}
	ids := recv.Find("type_identifier")
	if len(ids) == 0 {
		return ""
	}
	return ids[0].Content(src)
}

func qualify(container, name string) string {
	if container == "" {
		return name
	}
	return container + "." + name
}

// Imports returns the import sources of tree in source order.
func Imports(tree *Tree) []Import {
	if tree == nil || tree.Root == nil {
		return nil
	}
	src := tree.Source
	lang := tree.Language
	var out []Import

	tree.Root.Walk(func(n *Node) bool {
		switch {
		case lang.isImport(n.Type):
			specs := importSpecs(lang, n, src)
			for _, spec := range specs {
				out = append(out, Import{Spec: spec, Line: n.Line})
			}
			// An export without a source may wrap declarations that require().
			return len(specs) == 0
		case lang.ResolveRelative && n.Type == "call_expression":
			if spec, ok := requireCall(n, src); ok {
				out = append(out, Import{Spec: spec, Line: n.Line})
			}
		}
		return true
	})
	return out
}

func importSpecs(lang *Language, n *Node, src []byte) []string {
	switch lang.Name {
	case "go":
		if s := n.Child("interpreted_string_literal", "raw_string_literal"); s != nil {
			return []string{unquote(s.Content(src))}
		}
	case "python":
		if n.Type == "import_from_statement" {
			if m := n.Child("relative_import", "dotted_name"); m != nil {
				return []string{m.Content(src)}
			}
			return nil
		}
		var specs []string
		for _, c := range n.Children {
			switch c.Type {
			case "dotted_name":
				specs = append(specs, c.Content(src))
			case "aliased_import":
				if d := c.Child("dotted_name"); d != nil {
					specs = append(specs, d.Content(src))
				}
			}
		}
		return specs
	default:
		// import ... from "x" and export ... from "x"; plain exports carry no source.
		if n.Type == "export_statement" && n.Child("from") == nil {
			return nil
		}
		if s := n.Child("string"); s != nil {
			return []string{unquote(s.Content(src))}
		}
	}
	return nil
}

// requireCall matches require("x").
func requireCall(n *Node, src []byte) (string, bool) {
	fn := n.Child("identifier")
	if fn == nil || fn.Content(src) != "require" {
		return "", false
	}
	args := n.Child("arguments")
	if args == nil {
		return "", false
	}
	s := args.Child("string")
	if s == nil {
		return "", false
	}
	return unquote(s.Content(src)), true
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`")
}
