// Package toolfilter wraps a bridge.ToolServer and exposes only the tools whose names match a set
// of glob patterns.
package toolfilter

import (
	"context"
	"fmt"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
	"github.com/gobwas/glob"
)

// Server implements bridge.ToolServer over an inner server, hiding tools that match none of its
// patterns. Hidden tools are reported as unknown.
type Server struct {
	inner    bridge.ToolServer
	patterns []glob.Glob
}

// New compiles patterns and returns a filtering server. Patterns use gobwas/glob syntax with '/'
// as separator, so "fs/*" matches "fs/read" but not "fs/dir/read".
func New(inner bridge.ToolServer, patterns []string) (*Server, error) {
	s := &Server{inner: inner}
	for _, pattern := range patterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
		s.patterns = append(s.patterns, compiled)
	}
	return s, nil
}

// ListTools implements bridge.ToolServer.
func (s *Server) ListTools(ctx context.Context, params bridge.ListToolsParams) (bridge.ListToolsResult, error) {
	res, err := s.inner.ListTools(ctx, params)
	if err != nil {
		return bridge.ListToolsResult{}, err
	}

	tools := make([]bridge.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		if s.allowed(t.Name) {
			tools = append(tools, t)
		}
	}
	res.Tools = tools
	return res, nil
}

// CallTool implements bridge.ToolServer.
func (s *Server) CallTool(ctx context.Context, params bridge.CallToolParams) (bridge.CallToolResult, error) {
	if !s.allowed(params.Name) {
		return bridge.CallToolResult{}, fmt.Errorf("%w: %s", bridge.ErrToolNotFound, params.Name)
	}
	return s.inner.CallTool(ctx, params)
}

func (s *Server) allowed(name string) bool {
	for _, p := range s.patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}
