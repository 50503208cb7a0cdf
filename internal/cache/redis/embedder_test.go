package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 0.25, -1}, nil
}

type recorder struct{ hits, misses int }

func (r *recorder) RecordEmbeddingCache(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func newTestStore(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return newClient(rc, time.Hour), mr
}

func TestCachedEmbedder_MissThenHit(t *testing.T) {
	store, mr := newTestStore(t)
	inner := &countingEmbedder{}
	rec := &recorder{}
	ce := NewCachedEmbedder(inner, store, "text-embedding-3-small", rec)
	ctx := context.Background()

	first, err := ce.GenerateEmbedding(ctx, "bmi of mario rossi")
	require.NoError(t, err)
	second, err := ce.GenerateEmbedding(ctx, "bmi of mario rossi")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)
	assert.Len(t, mr.Keys(), 1)
	assert.Equal(t, time.Hour, mr.TTL(mr.Keys()[0]))
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	store, mr := newTestStore(t)
	inner := &countingEmbedder{}
	ctx := context.Background()

	_, err := NewCachedEmbedder(inner, store, "model-a", nil).GenerateEmbedding(ctx, "same text")
	require.NoError(t, err)
	_, err = NewCachedEmbedder(inner, store, "model-b", nil).GenerateEmbedding(ctx, "same text")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
	assert.Len(t, mr.Keys(), 2)
}

func TestCachedEmbedder_RedisDownFallsThrough(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	inner := &countingEmbedder{}

	vec, err := NewCachedEmbedder(inner, store, "m", nil).GenerateEmbedding(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 0.25, -1}, vec)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedder_InnerErrorNotCached(t *testing.T) {
	store, mr := newTestStore(t)
	boom := errors.New("embedding service down")

	_, err := NewCachedEmbedder(&countingEmbedder{err: boom}, store, "m", nil).GenerateEmbedding(context.Background(), "abc")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, mr.Keys())
}

func TestGetEmbedding_CorruptValue(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set(embeddingKeyPrefix+"k", "abc"))

	_, ok, err := store.GetEmbedding(context.Background(), "k")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -3.25, 1e-7}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
