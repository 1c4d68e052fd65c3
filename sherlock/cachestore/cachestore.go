package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
)

type CacheStore interface {
	// Get returns "" (and no error) on a cache miss.
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}

// GetJSON fetches and decodes a cached value. The boolean is false on a miss.
// A value which no longer decodes is purged and reported as a miss.
func GetJSON[T any](ctx context.Context, cs CacheStore, name, key string) (*T, bool, error) {
	raw, err := cs.Get(ctx, name, key)
	if err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, nil
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		if perr := cs.Purge(ctx, name, key); perr != nil {
			return nil, false, perr
		}
		return nil, false, nil
	}
	return &out, true, nil
}

func SetJSON(ctx context.Context, cs CacheStore, name, key string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding cache value %s/%s: %w", name, key, err)
	}
	return cs.Set(ctx, name, key, string(b))
}
