package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// SSEClient implements the client side of an SSE session: it opens the event stream, learns the
// message endpoint from the first endpoint event, POSTs messages to it and correlates responses
// with the requests made through Call.
//
// Instances should be created using NewSSEClient, connected with Connect and released with Close.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	nextID atomic.Int64

	mu         sync.Mutex
	messageURL string
	pending    map[RequestID]chan JSONRPCMessage
	closed     bool

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
	done     chan struct{}
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

const userCancelledReason = "User requested cancellation"

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration; if nil, the default HTTP client is
// used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		pending:    make(map[RequestID]chan JSONRPCMessage),
		messages:   make(chan JSONRPCMessage, 16),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With(
		slog.String("package", "go-mcp-bridge"),
		slog.String("component", "sse-client"),
	)

	return c
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event received from the server. If an
// event exceeds this limit, the error is logged and the client is disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger
	}
}

// Connect opens the event stream and blocks until the server has announced the message endpoint.
// ctx bounds only the wait for the announcement; the stream stays open until Close.
func (c *SSEClient) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		results <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", ctx.Err())
	case res := <-results:
		if res.err != nil {
			cancel()
			return fmt.Errorf("failed to connect to SSE server: %w", res.err)
		}
		resp = res.resp
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.cancel = cancel
	ready := make(chan error, 1)
	go c.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
	case err := <-ready:
		if err != nil {
			c.Close()
			return err
		}
	}

	return nil
}

// MessageURL returns the endpoint announced by the server, or an empty string before Connect.
func (c *SSEClient) MessageURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.messageURL
}

// Send POSTs msg to the session's message endpoint. Any status other than 202 is an error.
func (c *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	messageURL := c.MessageURL()
	if messageURL == "" {
		return ErrNotConnected
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return nil
}

// Call sends a request for method and waits for the response with the same id. A JSON-RPC error
// response is returned as a JSONRPCError. If ctx is cancelled first, a cancellation notification
// is sent to the server.
func (c *SSEClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	id := IntID(c.nextID.Add(1))
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = results
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		err := ctx.Err()
		if nErr := c.Notify(context.WithoutCancel(ctx), methodNotificationsCancelled, cancelledParams{
			RequestID: id,
			Reason:    userCancelledReason,
		}); nErr != nil {
			err = fmt.Errorf("%w: failed to send notification: %w", err, nErr)
		}
		return nil, err
	case res, ok := <-results:
		if !ok {
			return nil, ErrNotConnected
		}
		if res.Error != nil {
			return nil, *res.Error
		}
		return res.Result, nil
	}
}

// Notify sends a notification for method.
func (c *SSEClient) Notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	return c.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// Initialize performs the initialize handshake and returns the server's info.
func (c *SSEClient) Initialize(ctx context.Context, info Info) (Info, error) {
	res, err := c.Call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    json.RawMessage("{}"),
		ClientInfo:      info,
	})
	if err != nil {
		return Info{}, err
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return Info{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if err := c.Notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return Info{}, err
	}

	return result.ServerInfo, nil
}

// ListTools returns the tools offered by the server.
func (c *SSEClient) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	res, err := c.Call(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool executes a tool through tools/call and returns its result.
func (c *SSEClient) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	res, err := c.Call(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Messages yields the server messages that are not responses to Call: notifications, requests
// and uncorrelated responses. The sequence ends when the stream closes.
func (c *SSEClient) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range c.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Close ends the event stream and waits for the reader to stop. Pending calls fail with
// ErrNotConnected.
func (c *SSEClient) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()

		c.mu.Lock()
		c.closed = true
		for id, results := range c.pending {
			close(results)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		close(c.messages)
		close(c.done)
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	announced := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			if !announced {
				ready <- fmt.Errorf("event stream ended before endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := c.resolveEndpoint(ev.Data)
			if err != nil {
				if !announced {
					ready <- err
					return
				}
				c.logger.Error("ignoring invalid endpoint", slog.String("err", err.Error()))
				continue
			}
			c.mu.Lock()
			c.messageURL = u
			c.mu.Unlock()
			if !announced {
				announced = true
				close(ready)
			}
		case "message":
			if !announced {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			if err != nil {
				c.logger.Error("failed to decode message", slog.String("err", err.Error()))
				continue
			}

			c.dispatch(msg)
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !announced {
		ready <- errors.New("event stream ended before endpoint")
	}
}

func (c *SSEClient) dispatch(msg JSONRPCMessage) {
	if msg.Kind() == KindResponse {
		c.mu.Lock()
		results, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()

		if ok {
			results <- msg
			return
		}
	}

	select {
	case c.messages <- msg:
	default:
		c.logger.Warn("message buffer full, dropping message",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID.String()))
	}
}

func (c *SSEClient) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(c.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported endpoint scheme: %q", u.Scheme)
	}
	if ref.String() == "" {
		return "", errors.New("empty endpoint URL")
	}
	return u.String(), nil
}
