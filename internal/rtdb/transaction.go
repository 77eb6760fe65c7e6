package rtdb

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// TransactionFunc computes the next value for a location given the
// currently observed one. current is not necessarily a map: spec.md
// requires ClaimFor to detect a malformed (non-object) task, so the
// reducer must be able to see it as-is.
//
// Returning (nil, nil) deletes the location. Returning (nil, ErrAbort)
// aborts the transaction without writing. Any other non-nil map commits.
//
// TransactionFunc must be pure: rtdb may invoke it more than once for a
// single Transaction call if another writer commits first.
type TransactionFunc func(current interface{}) (next map[string]interface{}, err error)

// ErrAbort is returned by a TransactionFunc to signal that the
// transaction should be abandoned without writing anything.
var ErrAbort = errors.New("rtdb: transaction aborted")

const maxTransactionRetries = 64

// Transaction runs fn against ref's current value inside an optimistic
// compare-and-set loop: if another writer mutates ref between the read
// and the commit, fn is re-invoked against the fresh value. It returns
// the committed value (nil if the location was deleted), whether a write
// happened at all (false on abort), and any error.
func (c *Client) Transaction(ctx context.Context, ref Ref, fn TransactionFunc) (committed map[string]interface{}, ok bool, err error) {
	for attempt := 0; attempt < maxTransactionRetries; attempt++ {
		var result map[string]interface{}
		var wrote bool
		txErr := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := c.getRawTx(ctx, tx, ref.path)
			if err != nil {
				return err
			}

			next, err := fn(current)
			if errors.Is(err, ErrAbort) {
				result = nil
				wrote = false
				return nil
			}
			if err != nil {
				return err
			}

			now, err := c.nowMillis(ctx)
			if err != nil {
				return err
			}
			var resolved map[string]interface{}
			if next != nil {
				resolved = resolveSentinels(next, now)
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return writeRawPipelined(ctx, p, ref.path, resolved)
			})
			if err != nil {
				return err
			}

			result = resolved
			wrote = true
			return nil
		}, ref.path)

		if errors.Is(txErr, redis.TxFailedErr) {
			continue // contention: retry fn against the fresh value
		}
		if txErr != nil {
			return nil, false, txErr
		}

		if wrote {
			if err := c.publishChild(ctx, ref.path, result); err != nil {
				return result, wrote, err
			}
		}
		return result, wrote, nil
	}

	return nil, false, errors.New("rtdb: transaction exceeded retry limit")
}

func (c *Client) getRawTx(ctx context.Context, tx *redis.Tx, path string) (interface{}, error) {
	data, err := tx.Get(ctx, path).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAny(data)
}

func writeRawPipelined(ctx context.Context, p redis.Pipeliner, path string, value map[string]interface{}) error {
	if value == nil {
		p.Del(ctx, path)
		return nil
	}
	data, err := encodeRecord(value)
	if err != nil {
		return err
	}
	p.Set(ctx, path, data, 0)
	return nil
}
