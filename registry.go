package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
)

// SessionDirectory is a shared claim table for session ids, used when several bridge replicas
// serve the same public endpoint. Claim must fail when another holder already owns the id.
type SessionDirectory interface {
	Claim(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
}

// SessionRegistry maps session ids to their live transports. Lookups take a read lock, so
// POST routing does not contend with other POSTs.
type SessionRegistry struct {
	directory SessionDirectory
	logger    *slog.Logger
	metrics   *Metrics

	mu       sync.RWMutex
	sessions map[string]*SSETransport
}

// RegistryOption represents the options for the SessionRegistry.
type RegistryOption func(*SessionRegistry)

// ErrDuplicateSession is returned by Register when the session id is already taken.
var ErrDuplicateSession = errors.New("session already registered")

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(options ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		logger:   slog.Default(),
		sessions: make(map[string]*SSETransport),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithSessionDirectory makes the registry claim every id in dir before accepting it.
func WithSessionDirectory(dir SessionDirectory) RegistryOption {
	return func(r *SessionRegistry) {
		r.directory = dir
	}
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics the registry reports to.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *SessionRegistry) {
		r.metrics = metrics
	}
}

// Register adds t under its session id. A taken id yields ErrDuplicateSession and leaves the
// existing entry untouched.
func (r *SessionRegistry) Register(ctx context.Context, t *SSETransport) error {
	id := t.SessionID()

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = t
	r.mu.Unlock()

	if r.directory != nil {
		if err := r.directory.Claim(ctx, id); err != nil {
			r.mu.Lock()
			if r.sessions[id] == t {
				delete(r.sessions, id)
			}
			r.mu.Unlock()
			return fmt.Errorf("failed to claim session %s: %w", id, err)
		}
	}

	r.metrics.sessionOpened()
	r.logger.Debug("session registered", slog.String("sessionID", id))

	return nil
}

// Lookup returns the transport registered under id.
func (r *SessionRegistry) Lookup(id string) (*SSETransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.sessions[id]
	return t, ok
}

// Unregister removes id. Removing an absent id does nothing, so it is safe to call from close
// handlers racing with each other.
func (r *SessionRegistry) Unregister(ctx context.Context, id string) {
	r.remove(ctx, id, nil)
}

// UnregisterTransport removes t only while it is the entry registered under its id. A transport
// that lost a duplicate registration never evicts the live session holding that id.
func (r *SessionRegistry) UnregisterTransport(ctx context.Context, t *SSETransport) {
	r.remove(ctx, t.SessionID(), t)
}

// remove deletes id, or only the entry t when t is not nil.
func (r *SessionRegistry) remove(ctx context.Context, id string, t *SSETransport) {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if ok && t != nil && cur != t {
		ok = false
	}
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.sessionClosed()
	r.logger.Debug("session unregistered", slog.String("sessionID", id))

	if r.directory != nil {
		if err := r.directory.Release(ctx, id); err != nil {
			r.logger.Warn("failed to release session claim",
				slog.String("sessionID", id),
				slog.String("err", err.Error()))
		}
	}
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// All yields a snapshot of the registered transports.
func (r *SessionRegistry) All() iter.Seq[*SSETransport] {
	r.mu.RLock()
	snapshot := make([]*SSETransport, 0, len(r.sessions))
	for _, t := range r.sessions {
		snapshot = append(snapshot, t)
	}
	r.mu.RUnlock()

	return func(yield func(*SSETransport) bool) {
		for _, t := range snapshot {
			if !yield(t) {
				return
			}
		}
	}
}
