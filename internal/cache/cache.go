// Package cache keeps run coordination state in Redis.
//
// Two things live here:
//   - The run lock: one key per index/source pair, set with NX and a TTL. A
//     second run against the same pair is refused while the lock is held, so
//     one run's reconciliation can never delete what another run just wrote.
//     The lock is released only by the owner that took it.
//   - Run status: the latest state of each run, so GET /api/runs/{id} can answer
//     without touching Postgres while a run is in progress.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"search-ingest/internal/models"
)

const (
	runKeyPrefix  = "ingest:run:"
	lockKeyPrefix = "ingest:lock:"
	runTTL        = 24 * time.Hour
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// releaseScript deletes the lock only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the Redis client and exposes run-level operations.
type Client struct {
	rdb redis.UniversalClient
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func lockKey(index, sourceID string) string {
	return lockKeyPrefix + index + ":" + sourceID
}

// AcquireLock takes the run lock for index/sourceID on behalf of owner.
// It reports false when another owner holds it.
func (c *Client) AcquireLock(ctx context.Context, index, sourceID, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockKey(index, sourceID), owner, ttl).Result()
}

// ReleaseLock drops the run lock if owner still holds it.
func (c *Client) ReleaseLock(ctx context.Context, index, sourceID, owner string) error {
	err := releaseScript.Run(ctx, c.rdb, []string{lockKey(index, sourceID)}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// LockOwner returns who holds the run lock for index/sourceID.
// Returns ErrNotFound when nobody does.
func (c *Client) LockOwner(ctx context.Context, index, sourceID string) (string, error) {
	owner, err := c.rdb.Get(ctx, lockKey(index, sourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return owner, err
}

// SetRun serialises a Run and stores it in Redis with a fixed TTL.
func (c *Client) SetRun(ctx context.Context, run *models.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, runKeyPrefix+run.ID, data, runTTL).Err()
}

// GetRun fetches a Run by ID from Redis.
// Returns ErrNotFound when the key does not exist or has expired.
func (c *Client) GetRun(ctx context.Context, id string) (*models.Run, error) {
	data, err := c.rdb.Get(ctx, runKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
