package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemCacheStoreJSON(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(10, time.Hour)

	_, ok, err := GetJSON[sample](ctx, cs, "things", "a")
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(SetJSON(ctx, cs, "things", "a", sample{Name: "a", Count: 3}))
	v, ok, err := GetJSON[sample](ctx, cs, "things", "a")
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(3, v.Count)

	// namespaces are separate
	_, ok, err = GetJSON[sample](ctx, cs, "other", "a")
	assert.NoError(err)
	assert.False(ok)

	// garbage is purged and reported as a miss
	assert.NoError(cs.Set(ctx, "things", "b", "{not json"))
	_, ok, err = GetJSON[sample](ctx, cs, "things", "b")
	assert.NoError(err)
	assert.False(ok)
	raw, err := cs.Get(ctx, "things", "b")
	assert.NoError(err)
	assert.Empty(raw)

	assert.NoError(cs.Purge(ctx, "things", "a"))
	_, ok, err = GetJSON[sample](ctx, cs, "things", "a")
	assert.NoError(err)
	assert.False(ok)
}

func TestMemCacheStoreExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(10, 50*time.Millisecond)
	assert.NoError(cs.Set(ctx, "n", "k", "v"))
	v, err := cs.Get(ctx, "n", "k")
	assert.NoError(err)
	assert.Equal("v", v)

	time.Sleep(200 * time.Millisecond)
	v, err = cs.Get(ctx, "n", "k")
	assert.NoError(err)
	assert.Empty(v)
}
