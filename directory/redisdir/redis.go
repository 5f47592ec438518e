// Package redisdir provides a Redis-backed bridge.SessionDirectory so that several bridge replicas
// behind one endpoint never hand out the same session id.
//
// Each claim is a key set with SET NX and a lease TTL; the value is the owning replica's token, so
// a replica can only release or renew its own claims.
package redisdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis directory. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: BRIDGE_REDIS_ADDR
	RedisAddr string `env:"BRIDGE_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: BRIDGE_REDIS_KEY_PREFIX
	KeyPrefix string `env:"BRIDGE_REDIS_KEY_PREFIX,default=mcp-bridge:sessions:"`
	// LeaseTTL bounds how long a claim outlives a crashed replica. ENV: BRIDGE_DIRECTORY_TTL
	LeaseTTL time.Duration `env:"BRIDGE_DIRECTORY_TTL,default=2m"`
}

// Directory implements bridge.SessionDirectory on Redis.
type Directory struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	owner     string
	logger    *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

// ErrClaimed is returned by Claim when another holder owns the session id.
var ErrClaimed = errors.New("session id already claimed")

const (
	defaultKeyPrefix = "mcp-bridge:sessions:"
	defaultLeaseTTL  = 2 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// New connects to Redis and verifies the connection.
func New(cfg Config, logger *slog.Logger) (*Directory, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg, logger), nil
}

// NewWithClient builds a Directory on an existing client. The directory takes ownership of it.
func NewWithClient(cl *redis.Client, cfg Config, logger *slog.Logger) *Directory {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		client:    cl,
		keyPrefix: prefix,
		ttl:       ttl,
		owner:     uuid.New().String(),
		logger:    logger.With(slog.String("component", "redis-directory")),
		held:      make(map[string]struct{}),
	}
}

// NewFromEnv builds a Directory using envdecode to populate Config.
func NewFromEnv(logger *slog.Logger) (*Directory, error) {
	var cfg Config
	// Defaults are provided via struct tags; no variables being set is not an error.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode redis directory config: %w", err)
	}
	return New(cfg, logger)
}

// Close closes the Redis client.
func (d *Directory) Close() error { return d.client.Close() }

// Claim takes sessionID for this replica for one lease period.
func (d *Directory) Claim(ctx context.Context, sessionID string) error {
	ok, err := d.client.SetNX(ctx, d.key(sessionID), d.owner, d.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis claim: %w", err)
	}
	if !ok {
		return ErrClaimed
	}

	d.mu.Lock()
	d.held[sessionID] = struct{}{}
	d.mu.Unlock()

	return nil
}

// Release gives up this replica's claim on sessionID. Claims held by others are left alone.
func (d *Directory) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.held, sessionID)
	d.mu.Unlock()

	if err := releaseScript.Run(ctx, d.client, []string{d.key(sessionID)}, d.owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Run renews every held claim at a third of the lease TTL until ctx is done.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.renew(ctx)
		}
	}
}

func (d *Directory) renew(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.held))
	for id := range d.held {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		n, err := renewScript.Run(ctx, d.client, []string{d.key(id)}, d.owner, d.ttl.Milliseconds()).Int()
		if err != nil {
			d.logger.Warn("failed to renew session claim", slog.String("sessionID", id), slog.String("err", err.Error()))
			continue
		}
		if n == 0 {
			d.logger.Warn("session claim lost", slog.String("sessionID", id))
			d.mu.Lock()
			delete(d.held, id)
			d.mu.Unlock()
		}
	}
}

func (d *Directory) key(sessionID string) string { return d.keyPrefix + sessionID }
