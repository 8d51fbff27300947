package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/ai"
	"github.com/xxxsen/glossary-ingest/internal/glossary"
	"github.com/xxxsen/glossary-ingest/internal/hasher"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/dbutil"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/pkg/mdutil"
	"github.com/xxxsen/glossary-ingest/internal/repo"
	"github.com/xxxsen/glossary-ingest/internal/retry"
)

// CheckpointFunc runs inside the chunk transaction after the data writes.
type CheckpointFunc func(ctx context.Context, tx *sqlx.Tx) error

type WriteResult struct {
	Created   int
	Updated   int
	Unchanged int
	Attempts  int
}

type WriterDeps struct {
	DB           *sqlx.DB
	Terms        *repo.TermRepo
	Fingerprints *repo.FingerprintRepo
	Embeddings   *repo.TermEmbeddingRepo
	// Embedder is optional; without it no embeddings are written.
	Embedder       ai.IEmbedder
	Renderer       *mdutil.Renderer
	Retry          retry.Policy
	TouchUnchanged bool
}

// Writer persists one classified chunk per transaction.
type Writer struct {
	deps WriterDeps
	now  func() time.Time
}

func NewWriter(deps WriterDeps) *Writer {
	if deps.Renderer == nil {
		deps.Renderer = mdutil.NewRenderer()
	}
	return &Writer{deps: deps, now: time.Now}
}

type pendingTerm struct {
	class     model.Classification
	term      model.Term
	embedding []float32
}

// Write commits the NEW and MODIFIED records of chunk together with their
// fingerprints and the checkpoint. Transient database errors are retried
// with the configured policy; any other failure, or running out of
// attempts, returns an error wrapping ErrChunkWriteFailed and nothing of the
// chunk is persisted.
func (w *Writer) Write(ctx context.Context, chunk []model.Classification, checkpoint CheckpointFunc) (*WriteResult, error) {
	logger := logutil.GetLogger(ctx)
	result := &WriteResult{}
	pending := make([]*pendingTerm, 0, len(chunk))
	var unchanged []string
	for _, c := range chunk {
		switch c.Kind {
		case model.ChangeUnchanged:
			result.Unchanged++
			unchanged = append(unchanged, c.Record.Key)
			continue
		case model.ChangeNew:
			result.Created++
		case model.ChangeModified:
			result.Updated++
		}
		p, err := w.prepare(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("prepare %q: %w: %w", c.Record.Key, appErr.ErrChunkWriteFailed, err)
		}
		pending = append(pending, p)
	}

	attempts, err := w.deps.Retry.Do(ctx, dbutil.IsTransient, func(attempt int) error {
		if attempt > 1 {
			logger.Warn("retrying chunk write", zap.Int("attempt", attempt))
		}
		return w.commit(ctx, pending, checkpoint)
	})
	result.Attempts = attempts
	if err != nil {
		return nil, fmt.Errorf("write chunk after %d attempt(s): %w: %w", attempts, appErr.ErrChunkWriteFailed, err)
	}

	if w.deps.TouchUnchanged && len(unchanged) > 0 {
		if _, err := w.deps.Fingerprints.TouchChecked(ctx, unchanged, w.now().UnixMilli()); err != nil {
			logger.Warn("touch unchanged fingerprints failed", zap.Int("count", len(unchanged)), zap.Error(err))
		}
	}
	return result, nil
}

// prepare does the slow per-record work before the transaction opens.
func (w *Writer) prepare(ctx context.Context, c model.Classification) (*pendingTerm, error) {
	term := glossary.ToTerm(c.Record)
	html, err := w.deps.Renderer.Render(term.Definition)
	if err != nil {
		return nil, err
	}
	term.DefinitionHTML = html
	p := &pendingTerm{class: c, term: term}
	if w.deps.Embedder != nil && w.deps.Embeddings != nil && term.Definition != "" {
		vec, err := w.deps.Embedder.Embed(ctx, embeddingText(term), ai.TaskTypeDocument)
		if err != nil {
			// embeddings are optional; the term is still written
			logutil.GetLogger(ctx).Warn("embed term failed", zap.String("term", term.Name), zap.Error(err))
		} else {
			p.embedding = vec
		}
	}
	return p, nil
}

func embeddingText(term model.Term) string {
	parts := []string{term.Name, term.Definition}
	if term.Category != "" {
		parts = append(parts, "Category: "+term.Category)
	}
	return strings.Join(parts, "\n")
}

func (w *Writer) commit(ctx context.Context, pending []*pendingTerm, checkpoint CheckpointFunc) error {
	tx, err := w.deps.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	now := w.now().UnixMilli()
	fingerprints := make([]model.Fingerprint, 0, len(pending))
	for _, p := range pending {
		if err := w.writeTerm(ctx, tx, p, now); err != nil {
			return fmt.Errorf("term %q: %w", p.term.Name, err)
		}
		fingerprints = append(fingerprints, model.Fingerprint{
			NaturalKey:    p.class.Record.Key,
			OverallHash:   p.class.OverallHash,
			FieldHashes:   p.class.FieldHashes,
			HashVersion:   hasher.Version,
			LastCheckedAt: now,
			UpdatedAt:     now,
		})
	}
	if err := w.deps.Fingerprints.Upsert(ctx, tx, fingerprints); err != nil {
		return fmt.Errorf("fingerprints: %w", err)
	}
	if checkpoint != nil {
		if err := checkpoint(ctx, tx); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) writeTerm(ctx context.Context, tx *sqlx.Tx, p *pendingTerm, now int64) error {
	term := p.term
	term.CreatedAt = now
	term.UpdatedAt = now
	if err := w.deps.Terms.Upsert(ctx, tx, &term); err != nil {
		return err
	}
	rec := p.class.Record
	changed := make(map[string]model.Field, len(p.class.ChangedFields))
	for _, name := range p.class.ChangedFields {
		if field, ok := rec.Fields[name]; ok {
			changed[name] = field
		}
	}
	if err := w.deps.Terms.UpsertFields(ctx, tx, term.Name, changed, now); err != nil {
		return err
	}
	if err := w.deps.Terms.DeleteFields(ctx, tx, term.Name, p.class.RemovedFields); err != nil {
		return err
	}
	if p.embedding != nil {
		if err := w.deps.Embeddings.Save(ctx, tx, &model.TermEmbedding{
			TermName:  term.Name,
			Model:     w.deps.Embedder.ModelName(),
			Embedding: p.embedding,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}
