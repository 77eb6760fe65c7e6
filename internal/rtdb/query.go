package rtdb

import (
	"context"
	"reflect"

	"github.com/redis/go-redis/v9"
)

// Query describes a filtered, ordered, optionally-limited view over a
// container ref's children, mirroring the equality-filter + limit
// queries spec.md requires (getNextFrom / getInProgressFrom).
type Query struct {
	ref       Ref
	field     string
	hasFilter bool
	value     interface{}
	matchNull bool
	limit     int
}

// Snapshot is one child observed by a Query. Value is not necessarily a
// map: a malformed producer write can leave any JSON value at a task
// location, and IsNull queries must still surface it as a candidate.
type Snapshot struct {
	Key   string
	Value interface{}
}

// OrderByChild begins a query ordered by insertion order and filtered on
// the named field.
func (r Ref) OrderByChild(field string) Query {
	return Query{ref: r, field: field}
}

// EqualTo restricts the query to children whose field equals value.
func (q Query) EqualTo(value interface{}) Query {
	q.hasFilter = true
	q.matchNull = false
	q.value = value
	return q
}

// IsNull restricts the query to children where the field is absent or
// explicitly null — used for TaskSpec.startState == nil (eligible tasks
// have no _state at all).
func (q Query) IsNull() Query {
	q.hasFilter = true
	q.matchNull = true
	q.value = nil
	return q
}

// LimitToFirst bounds the query to the first n matching children in
// insertion order. A zero limit means unbounded.
func (q Query) LimitToFirst(n int) Query {
	q.limit = n
	return q
}

// matches reports whether record satisfies the query's filter. record is
// not necessarily a map: a malformed task value (array, string, number)
// has no named fields, so it matches IsNull (the field is absent) but
// never matches an EqualTo filter.
func (q Query) matches(record interface{}) bool {
	if record == nil {
		return false
	}
	if !q.hasFilter {
		return true
	}
	m, isMap := record.(map[string]interface{})
	if q.matchNull {
		if !isMap {
			return true
		}
		v, exists := m[q.field]
		return !exists || v == nil
	}
	if !isMap {
		return false
	}
	v, exists := m[q.field]
	if !exists {
		return false
	}
	return reflect.DeepEqual(v, q.value)
}

// Once fetches the current matching children, in insertion order, up to
// the configured limit.
func (q Query) Once(ctx context.Context) ([]Snapshot, error) {
	ids, err := q.ref.client.rdb.ZRangeByScore(ctx, seqKey(q.ref.path), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	var out []Snapshot
	for _, id := range ids {
		record, err := q.ref.client.getRaw(ctx, dataKey(q.ref.path, id))
		if err != nil {
			return nil, err
		}
		if record == nil {
			// Child was deleted; prune the stale index entry.
			q.ref.client.rdb.ZRem(ctx, seqKey(q.ref.path), id)
			continue
		}
		if !q.matches(record) {
			continue
		}
		out = append(out, Snapshot{Key: id, Value: record})
		if q.limit > 0 && len(out) >= q.limit {
			break
		}
	}
	return out, nil
}
