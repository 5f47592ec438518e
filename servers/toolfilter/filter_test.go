package toolfilter_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
	"github.com/MegaGrindStone/go-mcp-bridge/servers/calculator"
	"github.com/MegaGrindStone/go-mcp-bridge/servers/toolfilter"
)

func TestFilter(t *testing.T) {
	type testCase struct {
		name      string
		patterns  []string
		wantTools string
	}

	testCases := []testCase{
		{name: "exact", patterns: []string{"add"}, wantTools: "add"},
		{name: "wildcard", patterns: []string{"*"}, wantTools: "add,echo,sleep"},
		{name: "alternatives", patterns: []string{"{add,sleep}"}, wantTools: "add,sleep"},
		{name: "several patterns", patterns: []string{"e*", "s?eep"}, wantTools: "echo,sleep"},
		{name: "no match", patterns: []string{"mul"}, wantTools: ""},
	}

	calc := calculator.NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, err := toolfilter.New(calc, tc.patterns)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			res, err := srv.ListTools(context.Background(), bridge.ListToolsParams{})
			if err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			var names []string
			for _, tool := range res.Tools {
				names = append(names, tool.Name)
			}
			if got := strings.Join(names, ","); got != tc.wantTools {
				t.Errorf("tools = %q, want %q", got, tc.wantTools)
			}
		})
	}
}

func TestFilterHidesCalls(t *testing.T) {
	calc := calculator.NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv, err := toolfilter.New(calc, []string{"add"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := srv.CallTool(context.Background(), bridge.CallToolParams{Name: "add", Arguments: json.RawMessage(`{"a":2,"b":3}`)})
	if err != nil {
		t.Fatalf("CallTool(add): %v", err)
	}
	if res.Content[0].Text != "5" {
		t.Errorf("add = %q, want 5", res.Content[0].Text)
	}

	_, err = srv.CallTool(context.Background(), bridge.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"message":"x"}`)})
	if !errors.Is(err, bridge.ErrToolNotFound) {
		t.Fatalf("CallTool(echo) error = %v, want ErrToolNotFound", err)
	}
}

func TestFilterInvalidPattern(t *testing.T) {
	if _, err := toolfilter.New(nil, []string{"[unclosed"}); err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
}
