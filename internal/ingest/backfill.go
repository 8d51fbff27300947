package ingest

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/ai"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/repo"
)

// Backfiller embeds terms that were written while the embedder was
// unavailable or configured with another model.
type Backfiller struct {
	embeddings *repo.TermEmbeddingRepo
	embedder   ai.IEmbedder
	now        func() time.Time
}

func NewBackfiller(embeddings *repo.TermEmbeddingRepo, embedder ai.IEmbedder) *Backfiller {
	return &Backfiller{embeddings: embeddings, embedder: embedder, now: time.Now}
}

// Run embeds up to limit terms and reports how many were stored. A failed
// term is logged and left for the next run.
func (b *Backfiller) Run(ctx context.Context, limit int) (int, error) {
	if b.embedder == nil {
		return 0, nil
	}
	terms, err := b.embeddings.ListMissing(ctx, b.embedder.ModelName(), limit)
	if err != nil {
		return 0, err
	}
	logger := logutil.GetLogger(ctx)
	stored := 0
	for _, term := range terms {
		if ctx.Err() != nil {
			break
		}
		vec, err := b.embedder.Embed(ctx, embeddingText(*term), ai.TaskTypeDocument)
		if err != nil {
			logger.Warn("backfill embed failed", zap.String("term", term.Name), zap.Error(err))
			continue
		}
		if err := b.embeddings.Save(ctx, b.embeddings.DB(), &model.TermEmbedding{
			TermName:  term.Name,
			Model:     b.embedder.ModelName(),
			Embedding: vec,
			UpdatedAt: b.now().UnixMilli(),
		}); err != nil {
			return stored, err
		}
		stored++
	}
	if stored > 0 {
		logger.Info("embeddings backfilled", zap.Int("count", stored), zap.Int("candidates", len(terms)))
	}
	return stored, nil
}
