package outputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "genpool:output:"

// RedisStore shares outputs between replicas through Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Put(ctx context.Context, id string, obj Object, ttl time.Duration) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode output %s: %w", id, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, redisPrefix+id, b, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, id string) (Object, error) {
	b, err := r.client.Get(ctx, redisPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}
	var obj Object
	if err := json.Unmarshal(b, &obj); err != nil {
		return Object{}, fmt.Errorf("decode output %s: %w", id, err)
	}
	return obj, nil
}
