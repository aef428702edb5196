package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Barrier collects group results until every member has reported.
type Barrier interface {
	// Arrive stores the result of member and reports whether all total
	// members have now arrived. Arriving twice with the same member
	// overwrites the earlier result.
	Arrive(ctx context.Context, key string, member int, out Payload, total int) (complete bool, err error)
	// Results returns every stored result.
	Results(ctx context.Context, key string) ([]Payload, error)
	Clear(ctx context.Context, key string) error
}

// RedisBarrier keeps group results in a hash keyed by member index. HSET and
// HLEN run in one MULTI so exactly one arrival observes the full set.
type RedisBarrier struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisBarrier creates a barrier whose hashes expire after ttl.
func NewRedisBarrier(client redis.UniversalClient, ttl time.Duration) *RedisBarrier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBarrier{client: client, ttl: ttl}
}

func (b *RedisBarrier) Arrive(ctx context.Context, key string, member int, out Payload, total int) (bool, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return false, fmt.Errorf("failed to marshal group result: %w", err)
	}

	var count *redis.IntCmd
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, strconv.Itoa(member), data)
		count = pipe.HLen(ctx, key)
		pipe.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return count.Val() == int64(total), nil
}

func (b *RedisBarrier) Results(ctx context.Context, key string) ([]Payload, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(fields))
	for m := range fields {
		members = append(members, m)
	}
	sort.Strings(members)

	out := make([]Payload, 0, len(fields))
	for _, m := range members {
		var p Payload
		if err := json.Unmarshal([]byte(fields[m]), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group result %s: %w", m, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *RedisBarrier) Clear(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}
