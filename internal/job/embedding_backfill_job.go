package job

import (
	"context"

	"github.com/xxxsen/glossary-ingest/internal/ingest"
)

type EmbeddingBackfillJob struct {
	backfiller *ingest.Backfiller
	batchSize  int
}

func NewEmbeddingBackfillJob(backfiller *ingest.Backfiller, batchSize int) *EmbeddingBackfillJob {
	return &EmbeddingBackfillJob{backfiller: backfiller, batchSize: batchSize}
}

func (j *EmbeddingBackfillJob) Name() string {
	return "embedding_backfill"
}

func (j *EmbeddingBackfillJob) Run(ctx context.Context) error {
	if j.backfiller == nil {
		return nil
	}
	_, err := j.backfiller.Run(ctx, j.batchSize)
	return err
}
