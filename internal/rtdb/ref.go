package rtdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ref is a handle to one location in the hierarchy: either a container
// (the tasks path itself) or a specific child (tasks/<id>).
type Ref struct {
	client *Client
	path   string
}

// Path returns the ref's full path.
func (r Ref) Path() string {
	return r.path
}

// Client returns the rtdb.Client backing r, for callers that need to
// start a transaction against it directly.
func (r Ref) Client() *Client {
	return r.client
}

// Child returns a ref to the named child of r.
func (r Ref) Child(id string) Ref {
	return Ref{client: r.client, path: dataKey(r.path, id)}
}

// Key returns the final path segment, analogous to a realtime-database
// push id or child key.
func (r Ref) Key() string {
	for i := len(r.path) - 1; i >= 0; i-- {
		if r.path[i] == '/' {
			return r.path[i+1:]
		}
	}
	return r.path
}

// Push allocates a new child under r with a fresh opaque id and registers
// it in the container's insertion-order index. It does not write a value;
// callers follow with a Transaction or Set.
func (r Ref) Push(ctx context.Context) (Ref, error) {
	id := uuid.New().String()
	seq, err := r.client.rdb.Incr(ctx, seqKey(r.path)+":ctr").Result()
	if err != nil {
		return Ref{}, err
	}
	if err := r.client.rdb.ZAdd(ctx, seqKey(r.path), redis.Z{Score: float64(seq), Member: id}).Err(); err != nil {
		return Ref{}, err
	}
	return r.Child(id), nil
}

// Get fetches the current value at r, or nil if the location is empty.
// The result is not necessarily a map: a malformed producer write can
// leave any JSON value at a task location.
func (r Ref) Get(ctx context.Context) (interface{}, error) {
	return r.client.getRaw(ctx, r.path)
}

// Set unconditionally writes value at r (nil deletes) and publishes the
// corresponding child notification to the parent container's listeners.
func (r Ref) Set(ctx context.Context, value map[string]interface{}) error {
	now, err := r.client.nowMillis(ctx)
	if err != nil {
		return err
	}
	var resolved map[string]interface{}
	if value != nil {
		resolved = resolveSentinels(value, now)
	}
	if err := r.client.writeRaw(ctx, r.path, resolved); err != nil {
		return err
	}
	return r.client.publishChild(ctx, r.path, resolved)
}

// Delete removes the value at r and notifies listeners of the removal.
func (r Ref) Delete(ctx context.Context) error {
	return r.Set(ctx, nil)
}

func (c *Client) getRaw(ctx context.Context, path string) (interface{}, error) {
	data, err := c.rdb.Get(ctx, path).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAny(data)
}

func (c *Client) writeRaw(ctx context.Context, path string, value map[string]interface{}) error {
	if value == nil {
		return c.rdb.Del(ctx, path).Err()
	}
	data, err := encodeRecord(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, path, data, 0).Err()
}

func (c *Client) nowMillis(ctx context.Context) (int64, error) {
	t, err := c.ServerNow(ctx)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
