package extract

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// Node is a detached syntax node. Trees are converted once so extraction
// does not hold tree-sitter memory across calls.
type Node struct {
	Type      string
	StartByte uint32
	EndByte   uint32
	// Line is the 1-based start line.
	Line     uint32
	HasError bool
	Children []*Node
}

// Content returns the source text covered by the node.
func (n *Node) Content(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// Child returns the first direct child of one of the given types.
func (n *Node) Child(types ...string) *Node {
	for _, c := range n.Children {
		for _, t := range types {
			if c.Type == t {
				return c
			}
		}
	}
	return nil
}

// Find returns every node of the given type in the subtree.
func (n *Node) Find(nodeType string) []*Node {
	var out []*Node
	n.Walk(func(c *Node) bool {
		if c.Type == nodeType {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Walk visits the subtree depth-first; returning false skips a node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Tree is a parsed source file.
type Tree struct {
	Root     *Node
	Source   []byte
	Language *Language
}

// Parser parses sources with tree-sitter. It is safe for concurrent use;
// each call borrows a pooled tree-sitter parser.
type Parser struct {
	registry *Registry
	pool     sync.Pool
}

// NewParser creates a parser over the given registry (DefaultRegistry when nil).
func NewParser(registry *Registry) *Parser {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Parser{
		registry: registry,
		pool: sync.Pool{
			New: func() any { return sitter.NewParser() },
		},
	}
}

// Registry returns the parser's language registry.
func (p *Parser) Registry() *Registry { return p.registry }

// Parse parses source with the grammar registered for path.
func (p *Parser) Parse(ctx context.Context, path string, source []byte) (*Tree, error) {
	lang, ok := p.registry.ForPath(path)
	if !ok {
		return nil, fmt.Errorf("no grammar for %s", path)
	}

	sp := p.pool.Get().(*sitter.Parser)
	defer p.pool.Put(sp)

	sp.SetLanguage(lang.grammar)
	tsTree, err := sp.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("parse %s: nil tree", path)
	}

	return &Tree{
		Root:     convertNode(tsTree.RootNode()),
		Source:   source,
		Language: lang,
	}, nil
}

func convertNode(tsNode *sitter.Node) *Node {
	if tsNode == nil {
		return nil
	}
	node := &Node{
		Type:      tsNode.Type(),
		StartByte: tsNode.StartByte(),
		EndByte:   tsNode.EndByte(),
		Line:      tsNode.StartPoint().Row + 1,
		HasError:  tsNode.HasError(),
		Children:  make([]*Node, 0, int(tsNode.ChildCount())),
	}
	for i := uint32(0); i < tsNode.ChildCount(); i++ {
		if child := tsNode.Child(int(i)); child != nil {
			node.Children = append(node.Children, convertNode(child))
		}
	}
	return node
}
