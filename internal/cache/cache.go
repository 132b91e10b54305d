package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is the minimal get/set surface. Components that only need a
// key-value cache (token cache, signal state) depend on this rather
// than the full Redis client so they stay testable without a server.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

// NewMemory returns an in-process Store, used in tests and when no
// Redis endpoint is configured.
func NewMemory() Store { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, ErrMiss
	}
	return e.b, nil
}

func (c *memory) SetEx(_ context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
	return nil
}

// Client wraps a Redis connection with per-operation timeouts. All
// operations are best-effort from the pipeline's point of view: callers
// log failures and keep going, they never crash on a Redis outage.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewClient connects to Redis via URL (redis://[:password@]host:port/db).
// The connection is lazy; use Ping to verify reachability.
func NewClient(url string, timeout time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		rdb:     redis.NewClient(opts),
		timeout: timeout,
	}, nil
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Get returns the value for key, or ErrMiss when absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return v, nil
}

// SetEx stores a value with a TTL.
func (c *Client) SetEx(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

// Publish sends a payload to a pub/sub channel. Subscriber count is
// returned for observability; zero subscribers is not an error.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Publish(ctx, channel, payload).Result()
}

// Subscribe opens a pub/sub subscription. The returned PubSub must be
// closed by the caller; message reads are governed by the caller's
// context, not the client timeout.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// ScanKeys returns all keys matching a glob pattern via cursor
// iteration, so large keyspaces never block the server.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		opCtx, cancel := context.WithTimeout(ctx, c.timeout)
		batch, next, err := c.rdb.Scan(opCtx, cursor, pattern, 500).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// HGetAll reads a whole hash, returning ErrMiss for an absent key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrMiss
	}
	return m, nil
}

// SetHealth writes a component health blob under health:<component>.
// The key expires on its own when the component stops renewing it, so
// absence doubles as a liveness signal.
func (c *Client) SetHealth(ctx context.Context, component string, blob interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal health blob: %w", err)
	}
	return c.SetEx(ctx, "health:"+component, payload, ttl)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
