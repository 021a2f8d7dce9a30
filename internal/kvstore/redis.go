package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis server. Keys are namespaced by prefix so
// several installs can share one server. Values never expire.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps a client; prefix may be empty.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// maxUpdateRetries bounds optimistic retries when another client changes the
// key between WATCH and EXEC.
const maxUpdateRetries = 10

// Update is an optimistic WATCH/MULTI transaction, retried while the key is
// modified concurrently.
func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := r.key(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Result()
		found := true
		if errors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}
		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func (r *Redis) key(k string) string { return fmt.Sprintf("%slocal:%s", r.prefix, k) }
