package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
)

type mockToolServer struct {
	started chan struct{}
}

type recordingSender struct {
	id  string
	mu  sync.Mutex
	out []bridge.JSONRPCMessage
	err error
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{started: make(chan struct{}, 1)}
}

func (m *mockToolServer) ListTools(context.Context, bridge.ListToolsParams) (bridge.ListToolsResult, error) {
	return bridge.ListToolsResult{
		Tools: []bridge.Tool{
			{Name: "add", Description: "Adds two numbers", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}, nil
}

func (m *mockToolServer) CallTool(ctx context.Context, params bridge.CallToolParams) (bridge.CallToolResult, error) {
	switch params.Name {
	case "add":
		var args struct {
			A, B float64
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return bridge.CallToolResult{}, err
		}
		return bridge.TextResult(fmt.Sprint(args.A + args.B)), nil
	case "fail":
		return bridge.CallToolResult{}, errors.New("disk on fire")
	case "boom":
		panic("boom")
	case "block":
		m.started <- struct{}{}
		<-ctx.Done()
		return bridge.CallToolResult{}, ctx.Err()
	default:
		return bridge.CallToolResult{}, fmt.Errorf("%w: %s", bridge.ErrToolNotFound, params.Name)
	}
}

func (s *recordingSender) SessionID() string { return s.id }

func (s *recordingSender) Send(_ context.Context, msg bridge.JSONRPCMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.out = append(s.out, msg)
	return nil
}

func (s *recordingSender) sent() []bridge.JSONRPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]bridge.JSONRPCMessage(nil), s.out...)
}

func decode(t *testing.T, raw string) bridge.JSONRPCMessage {
	t.Helper()

	msg, err := bridge.DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeMessage(%s): %v", raw, err)
	}
	return msg
}

func TestServerRequests(t *testing.T) {
	type testCase struct {
		name       string
		request    string
		wantResult string
		wantCode   int
	}

	testCases := []testCase{
		{
			name:       "direct tool method",
			request:    `{"jsonrpc":"2.0","id":1,"method":"add","params":{"a":5,"b":6}}`,
			wantResult: `{"content":[{"type":"text","text":"11"}]}`,
		},
		{
			name:       "tools/call",
			request:    `{"jsonrpc":"2.0","id":"x","method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`,
			wantResult: `{"content":[{"type":"text","text":"3"}]}`,
		},
		{
			name:       "tools/call with _meta",
			request:    `{"jsonrpc":"2.0","id":"m","method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":2},"_meta":{"progressToken":"p1"}}}`,
			wantResult: `{"content":[{"type":"text","text":"4"}]}`,
		},
		{
			name:       "tools/list with _meta",
			request:    `{"jsonrpc":"2.0","id":20,"method":"tools/list","params":{"_meta":{"progressToken":1}}}`,
			wantResult: `{"tools":[{"name":"add","description":"Adds two numbers","inputSchema":{"type":"object"}}]}`,
		},
		{
			name:       "tools/list",
			request:    `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
			wantResult: `{"tools":[{"name":"add","description":"Adds two numbers","inputSchema":{"type":"object"}}]}`,
		},
		{
			name:       "ping",
			request:    `{"jsonrpc":"2.0","id":3,"method":"ping"}`,
			wantResult: `{}`,
		},
		{
			name:       "tool execution error",
			request:    `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"fail"}}`,
			wantResult: `{"content":[{"type":"text","text":"disk on fire"}],"isError":true}`,
		},
		{
			name:     "unknown method",
			request:  `{"jsonrpc":"2.0","id":5,"method":"nope"}`,
			wantCode: bridge.JSONRPCMethodNotFoundCode,
		},
		{
			name:     "unknown tool in tools/call",
			request:  `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nope"}}`,
			wantCode: bridge.JSONRPCInvalidParamsCode,
		},
		{
			name:     "missing tool name",
			request:  `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`,
			wantCode: bridge.JSONRPCInvalidParamsCode,
		},
		{
			name:     "malformed params",
			request:  `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":[1,2]}`,
			wantCode: bridge.JSONRPCInvalidParamsCode,
		},
		{
			name:     "panicking tool",
			request:  `{"jsonrpc":"2.0","id":9,"method":"boom"}`,
			wantCode: bridge.JSONRPCInternalErrorCode,
		},
	}

	srv := bridge.NewServer(bridge.Info{Name: "test", Version: "1"}, newMockToolServer())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := decode(t, tc.request)
			sender := &recordingSender{id: "s1"}

			srv.HandleMessage(context.Background(), sender, req)

			out := sender.sent()
			if len(out) != 1 {
				t.Fatalf("got %d responses, want 1", len(out))
			}
			res := out[0]
			if res.ID != req.ID {
				t.Errorf("response id = %s, want %s", res.ID, req.ID)
			}

			if tc.wantCode != 0 {
				if res.Error == nil {
					t.Fatalf("expected error %d, got result %s", tc.wantCode, res.Result)
				}
				if res.Error.Code != tc.wantCode {
					t.Errorf("error code = %d, want %d (%s)", res.Error.Code, tc.wantCode, res.Error.Message)
				}
				return
			}
			if res.Error != nil {
				t.Fatalf("unexpected error: %v", res.Error)
			}
			if string(res.Result) != tc.wantResult {
				t.Errorf("result = %s, want %s", res.Result, tc.wantResult)
			}
		})
	}
}

func TestServerInitialize(t *testing.T) {
	type testCase struct {
		name        string
		version     string
		wantVersion string
	}

	testCases := []testCase{
		{name: "supported version", version: "2024-11-05", wantVersion: "2024-11-05"},
		{name: "unknown version", version: "1999-01-01", wantVersion: "2025-06-18"},
	}

	srv := bridge.NewServer(bridge.Info{Name: "test", Version: "1"}, newMockToolServer(),
		bridge.WithInstructions("be nice"))

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &recordingSender{id: "s1"}
			srv.HandleMessage(context.Background(), sender, decode(t, fmt.Sprintf(
				`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"c","version":"0"}}}`,
				tc.version)))

			out := sender.sent()
			if len(out) != 1 || out[0].Error != nil {
				t.Fatalf("unexpected responses: %+v", out)
			}

			var result struct {
				ProtocolVersion string `json:"protocolVersion"`
				Capabilities    struct {
					Tools *struct{} `json:"tools"`
				} `json:"capabilities"`
				ServerInfo   bridge.Info `json:"serverInfo"`
				Instructions string      `json:"instructions"`
			}
			if err := json.Unmarshal(out[0].Result, &result); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			if result.ProtocolVersion != tc.wantVersion {
				t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, tc.wantVersion)
			}
			if result.Capabilities.Tools == nil {
				t.Errorf("tools capability missing")
			}
			if result.ServerInfo.Name != "test" || result.Instructions != "be nice" {
				t.Errorf("unexpected server info: %+v", result)
			}
		})
	}
}

func TestServerIgnoresNotificationsAndResponses(t *testing.T) {
	srv := bridge.NewServer(bridge.Info{Name: "test"}, newMockToolServer())
	sender := &recordingSender{id: "s1"}

	for _, raw := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"add","params":{"a":1,"b":1}}`,
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"}}`,
	} {
		srv.HandleMessage(context.Background(), sender, decode(t, raw))
	}

	if out := sender.sent(); len(out) != 0 {
		t.Fatalf("server replied to notifications or responses: %+v", out)
	}
}

func TestServerWithoutTools(t *testing.T) {
	srv := bridge.NewServer(bridge.Info{Name: "test"}, nil)
	sender := &recordingSender{id: "s1"}

	srv.HandleMessage(context.Background(), sender, decode(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	srv.HandleMessage(context.Background(), sender, decode(t, `{"jsonrpc":"2.0","id":2,"method":"add"}`))

	out := sender.sent()
	if len(out) != 2 {
		t.Fatalf("got %d responses, want 2", len(out))
	}
	for _, res := range out {
		if res.Error == nil || res.Error.Code != bridge.JSONRPCMethodNotFoundCode {
			t.Errorf("response %s = %+v, want method not found", res.ID, res)
		}
	}
}

func TestServerSendFailureIsDropped(t *testing.T) {
	srv := bridge.NewServer(bridge.Info{Name: "test"}, newMockToolServer())
	sender := &recordingSender{id: "s1", err: bridge.ErrNotConnected}

	// Must return without panicking or blocking.
	srv.HandleMessage(context.Background(), sender, decode(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
}

func TestServerCancelledNotification(t *testing.T) {
	tools := newMockToolServer()
	srv := bridge.NewServer(bridge.Info{Name: "test"}, tools)
	sender := &recordingSender{id: "s1"}

	req := decode(t, `{"jsonrpc":"2.0","id":"slow","method":"block"}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleMessage(context.Background(), sender, req)
	}()

	select {
	case <-tools.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool never started")
	}

	srv.HandleMessage(context.Background(), sender, decode(t,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"slow","reason":"user"}}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight request not cancelled")
	}

	out := sender.sent()
	if len(out) != 1 {
		t.Fatalf("got %d responses, want 1", len(out))
	}
	var result bridge.CallToolResult
	if err := json.Unmarshal(out[0].Result, &result); err != nil || !result.IsError {
		t.Errorf("cancelled call result = %s, want an error result", out[0].Result)
	}
}

func TestServerSessionContextCancel(t *testing.T) {
	tools := newMockToolServer()
	srv := bridge.NewServer(bridge.Info{Name: "test"}, tools)
	sender := &recordingSender{id: "s1", err: bridge.ErrNotConnected}

	ctx, cancel := context.WithCancel(context.Background())
	req := decode(t, `{"jsonrpc":"2.0","id":1,"method":"block"}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleMessage(ctx, sender, req)
	}()

	<-tools.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not return after the session context was cancelled")
	}
}

func TestServerCancelledMatchesIDType(t *testing.T) {
	type testCase struct {
		name          string
		requestID     string
		cancelID      string
		wantCancelled bool
	}

	testCases := []testCase{
		{name: "numeric id", requestID: `1`, cancelID: `1`, wantCancelled: true},
		{name: "string id", requestID: `"1"`, cancelID: `"1"`, wantCancelled: true},
		{name: "string cancel for numeric id", requestID: `1`, cancelID: `"1"`},
		{name: "numeric cancel for string id", requestID: `"1"`, cancelID: `1`},
		{name: "unknown id", requestID: `2`, cancelID: `3`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tools := newMockToolServer()
			srv := bridge.NewServer(bridge.Info{Name: "test"}, tools)
			sender := &recordingSender{id: "s1"}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			req := decode(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":"block"}`, tc.requestID))
			done := make(chan struct{})
			go func() {
				defer close(done)
				srv.HandleMessage(ctx, sender, req)
			}()

			select {
			case <-tools.started:
			case <-time.After(2 * time.Second):
				t.Fatalf("tool never started")
			}

			srv.HandleMessage(context.Background(), sender, decode(t, fmt.Sprintf(
				`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":%s}}`, tc.cancelID)))

			select {
			case <-done:
				if !tc.wantCancelled {
					t.Fatalf("request %s cancelled by requestId %s", tc.requestID, tc.cancelID)
				}
			case <-time.After(200 * time.Millisecond):
				if tc.wantCancelled {
					t.Fatalf("request %s not cancelled by requestId %s", tc.requestID, tc.cancelID)
				}
				cancel()
				<-done
			}
		})
	}
}

func TestServerDuplicateInflightID(t *testing.T) {
	tools := newMockToolServer()
	srv := bridge.NewServer(bridge.Info{Name: "test"}, tools)
	sender := &recordingSender{id: "s1"}

	req := decode(t, `{"jsonrpc":"2.0","id":7,"method":"block"}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleMessage(context.Background(), sender, req)
	}()

	select {
	case <-tools.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool never started")
	}

	// The second request with the same id is refused before reaching the tool, and finishing
	// it must not release the first one.
	srv.HandleMessage(context.Background(), sender, decode(t, `{"jsonrpc":"2.0","id":7,"method":"add","params":{"a":1,"b":2}}`))

	out := sender.sent()
	if len(out) != 1 {
		t.Fatalf("got %d responses, want 1", len(out))
	}
	if out[0].Error == nil || out[0].Error.Code != bridge.JSONRPCInvalidRequestCode {
		t.Fatalf("duplicate response = %+v, want code %d", out[0], bridge.JSONRPCInvalidRequestCode)
	}
	if out[0].ID != bridge.IntID(7) {
		t.Errorf("duplicate response id = %s, want 7", out[0].ID)
	}

	select {
	case <-done:
		t.Fatalf("first request ended when the duplicate was answered")
	case <-time.After(200 * time.Millisecond):
	}

	srv.HandleMessage(context.Background(), sender, decode(t,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first request not cancelled")
	}

	// Once finished, the id is free again.
	srv.HandleMessage(context.Background(), sender, decode(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`))
	out = sender.sent()
	if len(out) != 3 || out[2].Error != nil {
		t.Fatalf("reused id responses = %+v", out)
	}
}
