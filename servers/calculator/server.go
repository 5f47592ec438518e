// Package calculator is a small bridge.ToolServer with arithmetic and echo tools. It backs the
// mcp-bridge binary and the end-to-end tests.
package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
	ijsonschema "github.com/invopop/jsonschema"
	"github.com/qri-io/jsonschema"
)

// Server implements bridge.ToolServer.
type Server struct {
	tools  []tool
	byName map[string]tool
	logger *slog.Logger
}

type tool struct {
	desc      bridge.Tool
	validator *jsonschema.Schema
	call      func(ctx context.Context, args json.RawMessage) (bridge.CallToolResult, error)
}

// AddArgs are the arguments of the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First addend"`
	B float64 `json:"b" jsonschema:"description=Second addend"`
}

// EchoArgs are the arguments of the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo back"`
}

// SleepArgs are the arguments of the sleep tool.
type SleepArgs struct {
	Milliseconds int `json:"ms" jsonschema:"minimum=0,maximum=60000,description=How long to sleep"`
}

// NewServer creates a calculator with the add, echo and sleep tools.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		byName: make(map[string]tool),
		logger: logger.With(slog.String("component", "calculator")),
	}

	s.register(newTool[AddArgs]("add", "Adds two numbers", callAdd))
	s.register(newTool[EchoArgs]("echo", "Echoes back the input", callEcho))
	s.register(newTool[SleepArgs]("sleep", "Sleeps for the given duration, honouring cancellation", callSleep))

	return s
}

// ListTools implements bridge.ToolServer.
func (s *Server) ListTools(context.Context, bridge.ListToolsParams) (bridge.ListToolsResult, error) {
	tools := make([]bridge.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.desc)
	}
	return bridge.ListToolsResult{Tools: tools}, nil
}

// CallTool implements bridge.ToolServer.
func (s *Server) CallTool(ctx context.Context, params bridge.CallToolParams) (bridge.CallToolResult, error) {
	s.logger.Debug("CallTool", slog.String("name", params.Name))

	t, ok := s.byName[params.Name]
	if !ok {
		return bridge.CallToolResult{}, fmt.Errorf("%w: %s", bridge.ErrToolNotFound, params.Name)
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return bridge.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	vs := t.validator.Validate(ctx, doc)
	if errs := *vs.Errs; len(errs) > 0 {
		var errStr []string
		for _, err := range errs {
			errStr = append(errStr, err.Message)
		}
		return bridge.CallToolResult{}, fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}

	return t.call(ctx, args)
}

func (s *Server) register(t tool) {
	s.tools = append(s.tools, t)
	s.byName[t.desc.Name] = t
}

// newTool reflects the input schema of A and decodes validated arguments into it.
func newTool[A any](name, description string, fn func(ctx context.Context, args A) (bridge.CallToolResult, error)) tool {
	r := &ijsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(new(A))
	// The draft URI is noise for tool clients.
	schema.Version = ""

	schemaBs, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal schema of %s: %v", name, err))
	}

	return tool{
		desc: bridge.Tool{
			Name:        name,
			Description: description,
			InputSchema: schemaBs,
		},
		validator: jsonschema.Must(string(schemaBs)),
		call: func(ctx context.Context, raw json.RawMessage) (bridge.CallToolResult, error) {
			var a A
			if err := json.Unmarshal(raw, &a); err != nil {
				return bridge.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
			}
			return fn(ctx, a)
		},
	}
}

func callAdd(_ context.Context, args AddArgs) (bridge.CallToolResult, error) {
	return bridge.TextResult(strconv.FormatFloat(args.A+args.B, 'f', -1, 64)), nil
}

func callEcho(_ context.Context, args EchoArgs) (bridge.CallToolResult, error) {
	return bridge.TextResult(args.Message), nil
}

func callSleep(ctx context.Context, args SleepArgs) (bridge.CallToolResult, error) {
	d := time.Duration(args.Milliseconds) * time.Millisecond

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return bridge.CallToolResult{}, ctx.Err()
	case <-timer.C:
	}

	return bridge.TextResult(fmt.Sprintf("slept %s", d)), nil
}
