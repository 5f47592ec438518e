package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// DefaultMaxMessageSize is the largest POST body a transport accepts.
const DefaultMaxMessageSize = 4 << 20

// SessionIDParam is the query parameter that correlates a POST with its event stream.
const SessionIDParam = "sessionId"

// TransportState is the lifecycle state of an SSETransport.
type TransportState int

// Transport states. A transport only ever moves forward through them.
const (
	StateUninitialized TransportState = iota
	StateActive
	StateClosed
)

// EventStream is the outbound half of a session: the push-only channel to the client. It is
// satisfied by *sse.Session. Writes are only ever issued from SSETransport.Serve.
type EventStream interface {
	Send(msg *sse.Message) error
	Flush() error
}

// MessageHandler consumes the messages a transport accepts. HandleMessage runs on its own
// goroutine and may reply through sender; ctx is cancelled when the session closes.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sender Sender, msg JSONRPCMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, sender Sender, msg JSONRPCMessage)

// Sender is the reply path of a session.
type Sender interface {
	// SessionID returns the id of the session the sender writes to.
	SessionID() string
	// Send frames msg as an SSE message event and queues it for the client.
	Send(ctx context.Context, msg JSONRPCMessage) error
}

// SSETransport owns one logical session: the event stream opened by the client's GET request and
// the POST handler correlated to it through the session id.
//
// A transport starts Uninitialized, becomes Active on Start, and ends Closed. Close, peer
// cancellation of the stream and write failures all converge on the same one-shot transition, so
// close handlers run exactly once.
type SSETransport struct {
	id       string
	endpoint string
	stream   EventStream
	logger   *slog.Logger

	maxMessageSize int64
	keepAlive      time.Duration
	queueSize      int

	handler       MessageHandler
	errorHandler  func(error)
	closeHandlers []func(sessionID string)
	metrics       *Metrics

	mu    sync.Mutex
	state TransportState

	// Every queued frame holds a slot, so a sender holding one can enqueue without blocking.
	slots  chan struct{}
	frames chan *sse.Message
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// TransportOption represents the options for the SSETransport.
type TransportOption func(*SSETransport)

var (
	// ErrNotConnected is returned when a transport is used outside of the Active state.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrAlreadyActive is returned when Start is called on a started transport.
	ErrAlreadyActive = errors.New("transport is already active")
	// ErrStreamUnavailable is returned when Start is called on a transport without an event stream.
	ErrStreamUnavailable = errors.New("event stream is unavailable")

	jsonMediaType = contenttype.NewMediaType("application/json")
)

// NewSSETransport creates a transport in the Uninitialized state with a fresh session id. endpoint
// is the URL clients POST to; the session id is appended to it when the transport starts.
func NewSSETransport(endpoint string, stream EventStream, options ...TransportOption) *SSETransport {
	t := &SSETransport{
		id:             uuid.New().String(),
		endpoint:       endpoint,
		stream:         stream,
		logger:         slog.Default(),
		maxMessageSize: DefaultMaxMessageSize,
		queueSize:      16,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	t.slots = make(chan struct{}, t.queueSize)
	t.frames = make(chan *sse.Message, t.queueSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.logger = t.logger.With(slog.String("sessionID", t.id))

	return t
}

// WithMessageHandler sets the handler that receives accepted messages.
func WithMessageHandler(handler MessageHandler) TransportOption {
	return func(t *SSETransport) {
		t.handler = handler
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) TransportOption {
	return func(t *SSETransport) {
		if id != "" {
			t.id = id
		}
	}
}

// WithErrorHandler sets the callback for transport-level errors: rejected payloads and stream
// write failures.
func WithErrorHandler(fn func(error)) TransportOption {
	return func(t *SSETransport) {
		t.errorHandler = fn
	}
}

// WithCloseHandler adds a callback invoked once when the transport closes. It may be given more
// than once; handlers run in the order they were added.
func WithCloseHandler(fn func(sessionID string)) TransportOption {
	return func(t *SSETransport) {
		t.closeHandlers = append(t.closeHandlers, fn)
	}
}

// WithMaxMessageSize sets the maximum accepted POST body size in bytes.
func WithMaxMessageSize(size int64) TransportOption {
	return func(t *SSETransport) {
		if size > 0 {
			t.maxMessageSize = size
		}
	}
}

// WithKeepAlive makes Serve write a comment frame whenever the stream has been idle for interval.
// Zero disables keep-alives.
func WithKeepAlive(interval time.Duration) TransportOption {
	return func(t *SSETransport) {
		t.keepAlive = interval
	}
}

// WithSendQueueSize sets how many outbound frames may wait for the stream writer.
func WithSendQueueSize(size int) TransportOption {
	return func(t *SSETransport) {
		if size > 0 {
			t.queueSize = size
		}
	}
}

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithTransportMetrics sets the metrics the transport reports to.
func WithTransportMetrics(metrics *Metrics) TransportOption {
	return func(t *SSETransport) {
		t.metrics = metrics
	}
}

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, sender Sender, msg JSONRPCMessage) {
	f(ctx, sender, msg)
}

// SessionID returns the session id. It never changes.
func (t *SSETransport) SessionID() string { return t.id }

// State returns the current lifecycle state.
func (t *SSETransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// EndpointURL returns the URL announced to the client: the POST endpoint with the session id
// appended as a query parameter.
func (t *SSETransport) EndpointURL() string {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return fmt.Sprintf("%s?%s=%s", t.endpoint, SessionIDParam, url.QueryEscape(t.id))
	}
	q := u.Query()
	q.Set(SessionIDParam, t.id)
	u.RawQuery = q.Encode()
	return u.String()
}

// Start moves the transport from Uninitialized to Active and queues the endpoint announcement,
// which is always the first frame the client receives.
func (t *SSETransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream == nil {
		return ErrStreamUnavailable
	}
	switch t.state {
	case StateActive:
		return ErrAlreadyActive
	case StateClosed:
		return ErrNotConnected
	}

	msg := &sse.Message{
		Type: sse.Type("endpoint"),
	}
	msg.AppendData(t.EndpointURL())

	// The queue is empty here: Send refuses to enqueue before the transport is Active.
	t.slots <- struct{}{}
	t.frames <- msg
	t.state = StateActive

	t.logger.Debug("transport started", slog.String("endpoint", t.EndpointURL()))

	return nil
}

// Send frames msg as an SSE message event and queues it on the stream. It fails with
// ErrNotConnected before Start and after Close; callers should treat that as final. A nil return
// means the frame was queued while the transport was Active, so a local Close still writes it.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if t.State() != StateActive {
		return ErrNotConnected
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	frame := &sse.Message{
		Type: sse.Type("message"),
	}
	frame.AppendData(string(msgBs))

	select {
	case t.slots <- struct{}{}:
	case <-t.done:
		t.metrics.sendDropped()
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	}

	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		<-t.slots
		t.metrics.sendDropped()
		return ErrNotConnected
	}
	t.frames <- frame
	t.mu.Unlock()

	t.metrics.messageSent()
	return nil
}

// Serve writes queued frames to the event stream until the transport closes or ctx is done. ctx is
// normally the GET request's context, so a client disconnect closes the transport. Frames queued
// before a local Close are written before Serve returns.
func (t *SSETransport) Serve(ctx context.Context) error {
	if t.stream == nil {
		return ErrStreamUnavailable
	}

	var (
		ticker    *time.Ticker
		keepAlive <-chan time.Time
	)
	if t.keepAlive > 0 {
		ticker = time.NewTicker(t.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("event stream cancelled by peer")
			t.shutdown()
			return nil
		case <-t.done:
			t.drain()
			return nil
		case frame := <-t.frames:
			<-t.slots
			if err := t.write(frame); err != nil {
				t.fail(err)
				return err
			}
			// Keep-alives only fill silence.
			if ticker != nil {
				ticker.Reset(t.keepAlive)
			}
		case <-keepAlive:
			ping := &sse.Message{}
			ping.AppendComment("keep-alive")
			if err := t.write(ping); err != nil {
				t.fail(err)
				return err
			}
		}
	}
}

// Close moves the transport to Closed, releases Serve and runs the close handlers. Calling Close
// on a closed transport does nothing.
func (t *SSETransport) Close() error {
	t.shutdown()
	return nil
}

// OnClose adds fn to the close handlers. On a transport that is already closed fn runs at once,
// so it still runs exactly once.
func (t *SSETransport) OnClose(fn func(sessionID string)) {
	t.mu.Lock()
	if t.state != StateClosed {
		t.closeHandlers = append(t.closeHandlers, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	fn(t.id)
}

// HandlePostMessage processes one client POST for this session. The response is 202 as soon as
// the message is accepted; the handler's work happens afterwards and its reply, if any, travels
// down the event stream.
func (t *SSETransport) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	if t.State() != StateActive {
		t.reject(w, http.StatusServiceUnavailable, "session is not active")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		t.reject(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	if r.ContentLength > t.maxMessageSize {
		t.reject(w, http.StatusRequestEntityTooLarge, "message exceeds maximum size")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxMessageSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			t.reject(w, http.StatusRequestEntityTooLarge, "message exceeds maximum size")
			return
		}
		nErr := fmt.Errorf("failed to read message: %w", err)
		t.reportError(nErr)
		t.reject(w, http.StatusBadRequest, nErr.Error())
		return
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		t.reportError(nErr)
		t.reject(w, http.StatusBadRequest, nErr.Error())
		return
	}

	t.metrics.messageReceived(msg.Kind())

	if t.handler != nil {
		go t.handler.HandleMessage(t.ctx, t, msg)
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

func (t *SSETransport) write(frame *sse.Message) error {
	if err := t.stream.Send(frame); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := t.stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// drain writes whatever is still queued without waiting for more.
func (t *SSETransport) drain() {
	for {
		select {
		case frame := <-t.frames:
			<-t.slots
			if err := t.write(frame); err != nil {
				t.logger.Warn("failed to flush queued frame on close", slog.String("err", err.Error()))
				return
			}
		default:
			return
		}
	}
}

func (t *SSETransport) fail(err error) {
	t.logger.Warn("event stream write failed", slog.String("err", err.Error()))
	t.reportError(err)
	t.shutdown()
}

// shutdown is the one-shot transition into StateClosed.
func (t *SSETransport) shutdown() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	close(t.done)
	t.mu.Unlock()

	t.cancel()

	t.logger.Debug("transport closed")

	for _, fn := range t.closeHandlers {
		fn(t.id)
	}
}

func (t *SSETransport) reportError(err error) {
	if t.errorHandler != nil {
		t.errorHandler(err)
	}
}

func (t *SSETransport) reject(w http.ResponseWriter, status int, reason string) {
	t.metrics.messageRejected(status)
	t.logger.Warn("rejected message", slog.Int("status", status), slog.String("reason", reason))
	http.Error(w, reason, status)
}

func (s TransportState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
