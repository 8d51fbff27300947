// Package embedcache keeps recent embeddings in memory so that terms whose
// embedded text did not change between runs are not sent to the provider
// again.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/ai"
)

type Stats struct {
	Hits   int64
	Misses int64
}

type Embedder struct {
	next   ai.IEmbedder
	cache  *expirable.LRU[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// Wrap returns e unchanged when caching is disabled by a non-positive size
// or ttl.
func Wrap(e ai.IEmbedder, size int, ttl time.Duration) ai.IEmbedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return New(e, size, ttl)
}

func New(e ai.IEmbedder, size int, ttl time.Duration) *Embedder {
	return &Embedder{
		next:  e,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

func (c *Embedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	key := cacheKey(c.next.ModelName(), taskType, text)
	if cached, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		logutil.GetLogger(ctx).Debug("embedding cache hit", zap.String("task_type", taskType))
		return cloneEmbedding(cached), nil
	}
	c.misses.Add(1)
	res, err := c.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneEmbedding(res))
	return res, nil
}

func (c *Embedder) ModelName() string {
	return c.next.ModelName()
}

func (c *Embedder) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func cacheKey(model, taskType, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + taskType + ":" + hex.EncodeToString(sum[:])
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
