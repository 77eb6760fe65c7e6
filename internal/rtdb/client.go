package rtdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a Redis-backed hierarchical realtime-database handle.
type Client struct {
	rdb *redis.Client
}

// NewClient wraps an existing Redis client. The caller owns the
// connection's lifecycle.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Raw returns the underlying Redis client for callers that need direct
// access (metrics scraping, admin introspection).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Ref returns a reference rooted at path.
func (c *Client) Ref(path string) Ref {
	return Ref{client: c, path: path}
}

// ServerNow returns the database server's current time, used to arm and
// evaluate timeouts against the same clock that stamps _state_changed.
func (c *Client) ServerNow(ctx context.Context) (time.Time, error) {
	return c.rdb.Time(ctx).Result()
}

func seqKey(path string) string {
	return path + "\x00__seq"
}

func dataKey(path, id string) string {
	return fmt.Sprintf("%s/%s", path, id)
}
