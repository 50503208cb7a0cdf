package redis

import (
	"context"

	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/utils"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type embeddingStore interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32) error
}

// CacheRecorder counts cache lookups by result.
type CacheRecorder interface {
	RecordEmbeddingCache(hit bool)
}

// CachedEmbedder serves repeated texts from the cache. Cache failures are
// logged and fall through to the inner embedder.
type CachedEmbedder struct {
	inner    Embedder
	store    embeddingStore
	model    string
	recorder CacheRecorder
}

func NewCachedEmbedder(inner Embedder, store embeddingStore, model string, recorder CacheRecorder) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, store: store, model: model, recorder: recorder}
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(c.model, text)

	vec, ok, err := c.store.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Failed to read cached embedding", zap.String("key", key), zap.Error(err))
	}
	if ok {
		c.record(true)
		return vec, nil
	}
	c.record(false)

	vec, err = c.inner.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.store.SetEmbedding(ctx, key, vec); err != nil {
		logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
	return vec, nil
}

func (c *CachedEmbedder) record(hit bool) {
	if c.recorder != nil {
		c.recorder.RecordEmbeddingCache(hit)
	}
}
