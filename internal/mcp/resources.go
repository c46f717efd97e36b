package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Resource URIs.
const (
	StatusURI    = "freshness://status"
	DefeatersURI = "freshness://defeaters"
)

// ResourceContent contains the content of a resource.
type ResourceContent struct {
	URI      string
	Content  string
	MIMEType string
}

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		Name:        "status",
		URI:         StatusURI,
		Description: "Current freshness snapshot of the workspace",
		MIMEType:    "application/json",
	}, s.resourceHandler(StatusURI))
	s.mcp.AddResource(&mcp.Resource{
		Name:        "defeaters",
		URI:         DefeatersURI,
		Description: "Active defeaters in the workspace",
		MIMEType:    "application/json",
	}, s.resourceHandler(DefeatersURI))
}

func (s *Server) resourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		rc, err := s.ReadResource(ctx, uri)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: rc.URI, MIMEType: rc.MIMEType, Text: rc.Content}},
		}, nil
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	var v any
	switch uri {
	case StatusURI:
		v = s.status()
	case DefeatersURI:
		out, err := s.listDefeaters(ctx, ListDefeatersInput{ActiveOnly: true})
		if err != nil {
			return nil, err
		}
		v = out
	default:
		return nil, NewResourceNotFoundError(uri)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &ResourceContent{URI: uri, Content: string(data), MIMEType: "application/json"}, nil
}
