package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for JSON-RPC
// sessions. Server-to-client traffic flows over the event stream opened by HandleSSE; client
// messages arrive as POSTs on HandleMessage and are routed to their session through the
// sessionId query parameter.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no longer
// needed.
type SSEServer struct {
	messageURL  string
	ssePath     string
	messagePath string

	handler  MessageHandler
	registry *SessionRegistry
	logger   *slog.Logger
	metrics  *Metrics

	maxMessageSize int64
	keepAlive      time.Duration
	errorHandler   func(sessionID string, err error)

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// Default routes used by Handler.
const (
	DefaultSSEPath     = "/sse"
	DefaultMessagePath = "/message"
)

// ErrServerClosed is returned by Shutdown when called more than once.
var ErrServerClosed = errors.New("sse server is closed")

// NewSSEServer creates an SSE server that announces messageURL as the POST endpoint of every
// session and hands accepted messages to handler. messageURL may be absolute or relative to the
// event stream URL.
func NewSSEServer(messageURL string, handler MessageHandler, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:     messageURL,
		ssePath:        DefaultSSEPath,
		messagePath:    DefaultMessagePath,
		handler:        handler,
		logger:         slog.Default(),
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With(
		slog.String("package", "go-mcp-bridge"),
		slog.String("component", "sse-server"),
	)
	if s.registry == nil {
		s.registry = NewSessionRegistry(WithRegistryLogger(s.logger), WithRegistryMetrics(s.metrics))
	}

	return s
}

// WithSSEServerLogger sets the logger for the SSE server and the transports it creates.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEServerMetrics sets the metrics the SSE server and its transports report to.
func WithSSEServerMetrics(metrics *Metrics) SSEServerOption {
	return func(s *SSEServer) {
		s.metrics = metrics
	}
}

// WithSSEServerRegistry makes the server use registry instead of a private one, for example one
// backed by a SessionDirectory.
func WithSSEServerRegistry(registry *SessionRegistry) SSEServerOption {
	return func(s *SSEServer) {
		s.registry = registry
	}
}

// WithSSEServerPaths sets the routes served by Handler.
func WithSSEServerPaths(ssePath, messagePath string) SSEServerOption {
	return func(s *SSEServer) {
		s.ssePath = ssePath
		s.messagePath = messagePath
	}
}

// WithSSEServerMaxMessageSize sets the maximum POST body size of every session.
func WithSSEServerMaxMessageSize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		if size > 0 {
			s.maxMessageSize = size
		}
	}
}

// WithSSEServerKeepAlive sets the keep-alive interval of every session's event stream.
func WithSSEServerKeepAlive(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.keepAlive = interval
	}
}

// WithSSEServerErrorHandler sets a callback for transport errors of every session.
func WithSSEServerErrorHandler(fn func(sessionID string, err error)) SSEServerOption {
	return func(s *SSEServer) {
		s.errorHandler = fn
	}
}

// Registry returns the registry holding the server's live sessions.
func (s *SSEServer) Registry() *SessionRegistry {
	return s.registry
}

// Handler returns a mux serving HandleSSE on GET and HandleMessage on POST at the configured paths.
func (s *SSEServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+s.ssePath, s.HandleSSE())
	mux.Handle("POST "+s.messagePath, s.HandleMessage())
	return mux
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests. The handler
// upgrades the connection, registers a new session, announces the session's message endpoint and
// keeps the connection open until the client disconnects or the session is closed.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.sessions.Add(1)
		s.mu.Unlock()
		defer s.sessions.Done()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		t := NewSSETransport(s.messageURL, sess, s.transportOptions(uuid.New().String())...)
		logger := s.logger.With(slog.String("sessionID", t.SessionID()))

		if err := s.registry.Register(r.Context(), t); err != nil {
			logger.Error("failed to register session", slog.String("err", err.Error()))
			_ = t.Close()
			http.Error(w, "failed to register session", http.StatusServiceUnavailable)
			return
		}
		t.OnClose(func(string) {
			s.registry.UnregisterTransport(context.Background(), t)
		})

		// The endpoint is announced only once the session can be looked up, so the client's first
		// POST never races the registration.
		if err := t.Start(); err != nil {
			logger.Error("failed to start session", slog.String("err", err.Error()))
			_ = t.Close()
			http.Error(w, "failed to start session", http.StatusInternalServerError)
			return
		}

		logger.Info("session opened", slog.String("remoteAddr", r.RemoteAddr))

		if err := t.Serve(r.Context()); err != nil {
			logger.Warn("event stream ended with error", slog.String("err", err.Error()))
		}

		logger.Info("session closed")
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST requests.
// The handler expects a sessionId query parameter naming a live session and a JSON-RPC message
// body; it answers 202 once the message has been handed to the session.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get(SessionIDParam)
		if sessID == "" {
			s.metrics.messageRejected(http.StatusBadRequest)
			s.logger.Warn("missing sessionId query parameter")
			http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
			return
		}

		t, ok := s.registry.Lookup(sessID)
		if !ok {
			s.metrics.messageRejected(http.StatusNotFound)
			s.logger.Debug("message for unknown session", slog.String("sessionID", sessID))
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		t.HandlePostMessage(w, r)
	})
}

// Shutdown closes every live session and waits for their event streams to finish, or for ctx.
// New connections are refused once Shutdown has been called.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closing = true
	s.mu.Unlock()

	for t := range s.registry.All() {
		_ = t.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-done:
	}
	return nil
}

func (s *SSEServer) transportOptions(sessionID string) []TransportOption {
	opts := []TransportOption{
		WithSessionID(sessionID),
		WithTransportLogger(s.logger),
		WithTransportMetrics(s.metrics),
		WithMaxMessageSize(s.maxMessageSize),
		WithKeepAlive(s.keepAlive),
	}
	if s.handler != nil {
		opts = append(opts, WithMessageHandler(s.handler))
	}
	if s.errorHandler != nil {
		opts = append(opts, WithErrorHandler(func(err error) {
			s.errorHandler(sessionID, err)
		}))
	}
	return opts
}
