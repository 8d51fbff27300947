package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

// TermEmbeddingRepo stores one embedding per term: a pgvector column on
// PostgreSQL and a JSON array on SQLite.
type TermEmbeddingRepo struct {
	db *sqlx.DB
}

func NewTermEmbeddingRepo(db *sqlx.DB) *TermEmbeddingRepo {
	return &TermEmbeddingRepo{db: db}
}

func (r *TermEmbeddingRepo) Save(ctx context.Context, q Queryer, emb *model.TermEmbedding) error {
	var value interface{}
	if q.DriverName() == "postgres" {
		value = pgvector.NewVector(emb.Embedding)
	} else {
		data, err := json.Marshal(emb.Embedding)
		if err != nil {
			return err
		}
		value = string(data)
	}
	query := q.Rebind(`
		INSERT INTO term_embeddings (term_name, model, embedding, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (term_name) DO UPDATE SET
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`)
	_, err := q.ExecContext(ctx, query, emb.TermName, emb.Model, value, emb.UpdatedAt)
	return err
}

func (r *TermEmbeddingRepo) Get(ctx context.Context, termName string) (*model.TermEmbedding, error) {
	query := r.db.Rebind(`SELECT model, embedding, updated_at FROM term_embeddings WHERE term_name = ?`)
	row := r.db.QueryRowxContext(ctx, query, termName)
	emb := &model.TermEmbedding{TermName: termName}
	var err error
	if r.db.DriverName() == "postgres" {
		var vec pgvector.Vector
		err = row.Scan(&emb.Model, &vec, &emb.UpdatedAt)
		emb.Embedding = vec.Slice()
	} else {
		var raw string
		err = row.Scan(&emb.Model, &raw, &emb.UpdatedAt)
		if err == nil {
			err = json.Unmarshal([]byte(raw), &emb.Embedding)
		}
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return emb, nil
}

// ListMissing returns terms with a definition but no embedding from
// modelName, oldest first.
func (r *TermEmbeddingRepo) ListMissing(ctx context.Context, modelName string, limit int) ([]*model.Term, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.Rebind(`
		SELECT t.name, t.definition, t.category
		FROM terms t
		LEFT JOIN term_embeddings e ON e.term_name = t.name AND e.model = ?
		WHERE e.term_name IS NULL AND t.definition <> ''
		ORDER BY t.updated_at, t.name
		LIMIT ?
	`)
	rows := []struct {
		Name       string `db:"name"`
		Definition string `db:"definition"`
		Category   string `db:"category"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, modelName, limit); err != nil {
		return nil, err
	}
	out := make([]*model.Term, 0, len(rows))
	for _, row := range rows {
		out = append(out, &model.Term{Name: row.Name, Definition: row.Definition, Category: row.Category})
	}
	return out, nil
}

func (r *TermEmbeddingRepo) DB() *sqlx.DB {
	return r.db
}
