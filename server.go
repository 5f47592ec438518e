package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ToolServer exposes the tools a Server serves. CallTool must return an error wrapping
// ErrToolNotFound for names it does not know; any other error is reported to the client as a
// tool execution failure.
type ToolServer interface {
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server binds JSON-RPC requests arriving on SSE transports to a ToolServer. It implements
// MessageHandler, so one Server may be shared by every session of an SSEServer.
//
// Besides tools/list and tools/call, any request whose method is the name of a tool is treated as
// a direct call of that tool with params as its arguments.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	toolServer   ToolServer

	sendTimeout time.Duration

	logger  *slog.Logger
	metrics *Metrics

	inflightMu sync.Mutex
	inflight   map[inflightKey]context.CancelFunc
}

// inflightKey identifies a request within its session. The id keeps its JSON form, so 1 and "1"
// are different requests.
type inflightKey struct {
	sessionID string
	requestID RequestID
}

type cancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ErrToolNotFound is returned by a ToolServer for an unknown tool name.
var ErrToolNotFound = errors.New("tool not found")

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a Server answering for info.
func NewServer(info Info, toolServer ToolServer, options ...ServerOption) *Server {
	s := &Server{
		info:        info,
		toolServer:  toolServer,
		sendTimeout: defaultServerSendTimeout,
		logger:      slog.Default(),
		inflight:    make(map[inflightKey]context.CancelFunc),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	s.logger = s.logger.With(
		slog.String("package", "go-mcp-bridge"),
		slog.String("component", "server"),
	)

	return s
}

// WithInstructions sets the instructions returned in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout sets how long a response may wait for room on the session's queue.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.sendTimeout = timeout
		}
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics the server reports to.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// HandleMessage implements MessageHandler.
func (s *Server) HandleMessage(ctx context.Context, sender Sender, msg JSONRPCMessage) {
	logger := s.logger.With(slog.String("sessionID", sender.SessionID()))

	switch msg.Kind() {
	case KindRequest:
		s.handleRequest(ctx, sender, msg, logger)
	case KindNotification:
		s.handleNotification(sender, msg, logger)
	case KindResponse:
		// The server never issues requests of its own, so there is nothing to correlate.
		logger.Debug("dropping response from client", slog.String("id", msg.ID.String()))
	}
}

func (s *Server) handleRequest(ctx context.Context, sender Sender, msg JSONRPCMessage, logger *slog.Logger) {
	logger = logger.With(slog.String("method", msg.Method), slog.String("id", msg.ID.String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	key := inflightKey{sessionID: sender.SessionID(), requestID: msg.ID}
	if !s.trackRequest(key, cancel) {
		logger.Warn("rejecting request, id is already in flight")
		resMsg := NewErrorMessage(msg.ID, JSONRPCInvalidRequestCode, "duplicate request id")
		s.metrics.requestFailed(resMsg.Error.Code)
		s.reply(sender, resMsg, logger)
		return
	}
	defer s.untrackRequest(key)

	var resMsg JSONRPCMessage
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("recovered from panic while handling request", slog.Any("panic", r))
				resMsg = NewErrorMessage(msg.ID, JSONRPCInternalErrorCode, "internal error")
			}
		}()
		resMsg = s.dispatch(ctx, msg, logger)
	}()

	if resMsg.Error != nil {
		s.metrics.requestFailed(resMsg.Error.Code)
	}

	s.reply(sender, resMsg, logger)
}

func (s *Server) reply(sender Sender, resMsg JSONRPCMessage, logger *slog.Logger) {
	sendCtx, sendCancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer sendCancel()

	if err := sender.Send(sendCtx, resMsg); err != nil {
		logger.Warn("failed to send response, dropping it", slog.String("err", err.Error()))
	}
}

func (s *Server) dispatch(ctx context.Context, msg JSONRPCMessage, logger *slog.Logger) JSONRPCMessage {
	var result any
	// err is always a JSONRPCError when set; it is declared as error for the nil check.
	var err error

	switch msg.Method {
	case methodInitialize:
		result, err = s.initialize(msg)
	case methodPing:
		result = struct{}{}
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	default:
		result, err = s.callDirectTool(ctx, msg)
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: JSONRPCInternalErrorCode, Message: err.Error()}
		}
		logger.Info("request failed", slog.String("err", jsonErr.Error()))
		return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Error: &jsonErr}
	}

	resMsg, mErr := NewResultMessage(msg.ID, result)
	if mErr != nil {
		logger.Error("failed to marshal result", slog.String("err", mErr.Error()))
		return NewErrorMessage(msg.ID, JSONRPCInternalErrorCode, "failed to marshal result")
	}
	return resMsg
}

func (s *Server) handleNotification(sender Sender, msg JSONRPCMessage, logger *slog.Logger) {
	switch msg.Method {
	case methodNotificationsInitialized:
		logger.Debug("client initialized")
	case methodNotificationsCancelled:
		var params cancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("invalid cancellation params", slog.String("err", err.Error()))
			return
		}
		key := inflightKey{sessionID: sender.SessionID(), requestID: params.RequestID}
		if s.cancelRequest(key) {
			logger.Debug("cancelled in-flight request",
				slog.String("id", params.RequestID.String()),
				slog.String("reason", params.Reason))
		}
	default:
		logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *Server) initialize(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return initializeResult{}, err
	}

	version := params.ProtocolVersion
	if !slices.Contains(supportedProtocolVersions, version) {
		version = latestProtocolVersion
	}

	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListToolsResult{}, err
	}

	result, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    JSONRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to list tools: %s", err),
		}
	}
	if result.Tools == nil {
		result.Tools = []Tool{}
	}

	return result, nil
}

func (s *Server) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return CallToolResult{}, err
	}
	if params.Name == "" {
		return CallToolResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: "missing tool name",
		}
	}

	result, err := s.toolServer.CallTool(ctx, params)
	if errors.Is(err, ErrToolNotFound) {
		return CallToolResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}
	}

	return toolResult(result, err), nil
}

func (s *Server) callDirectTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	methodNotFound := JSONRPCError{
		Code:    JSONRPCMethodNotFoundCode,
		Message: fmt.Sprintf("method not found: %s", msg.Method),
	}
	if s.toolServer == nil {
		return CallToolResult{}, methodNotFound
	}

	result, err := s.toolServer.CallTool(ctx, CallToolParams{
		Name:      msg.Method,
		Arguments: msg.Params,
	})
	if errors.Is(err, ErrToolNotFound) {
		return CallToolResult{}, methodNotFound
	}

	return toolResult(result, err), nil
}

// trackRequest records cancel for key. It reports false, and records nothing, when a request with
// the same id is already in flight on the session.
func (s *Server) trackRequest(key inflightKey, cancel context.CancelFunc) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = cancel
	return true
}

func (s *Server) untrackRequest(key inflightKey) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	delete(s.inflight, key)
}

func (s *Server) cancelRequest(key inflightKey) bool {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[key]
	s.inflightMu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// toolResult turns a tool execution error into an error result the client can show.
func toolResult(result CallToolResult, err error) CallToolResult {
	if err != nil {
		return CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}
	if result.Content == nil {
		result.Content = []Content{}
	}
	return result
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}
	return nil
}
