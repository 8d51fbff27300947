package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/dbutil"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

type termRow struct {
	Name            string `db:"name"`
	Definition      string `db:"definition"`
	DefinitionHTML  string `db:"definition_html"`
	ShortDefinition string `db:"short_definition"`
	Category        string `db:"category"`
	Subcategories   string `db:"subcategories"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

type TermRepo struct {
	db *sqlx.DB
}

func NewTermRepo(db *sqlx.DB) *TermRepo {
	return &TermRepo{db: db}
}

// Upsert inserts a term or refreshes its summary columns. created_at of an
// existing term is kept.
func (r *TermRepo) Upsert(ctx context.Context, q Queryer, term *model.Term) error {
	subcategories, err := json.Marshal(term.Subcategories)
	if err != nil {
		return err
	}
	query := q.Rebind(`
		INSERT INTO terms (name, definition, definition_html, short_definition, category, subcategories, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			definition = EXCLUDED.definition,
			definition_html = EXCLUDED.definition_html,
			short_definition = EXCLUDED.short_definition,
			category = EXCLUDED.category,
			subcategories = EXCLUDED.subcategories,
			updated_at = EXCLUDED.updated_at
	`)
	_, err = q.ExecContext(ctx, query,
		term.Name,
		term.Definition,
		term.DefinitionHTML,
		term.ShortDefinition,
		term.Category,
		string(subcategories),
		term.CreatedAt,
		term.UpdatedAt,
	)
	return err
}

// UpsertFields writes only the given fields of a term.
func (r *TermRepo) UpsertFields(ctx context.Context, q Queryer, name string, fields map[string]model.Field, now int64) error {
	query := q.Rebind(`
		INSERT INTO term_fields (term_name, field, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (term_name, field) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`)
	for field, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, name, field, string(data), now); err != nil {
			return err
		}
	}
	return nil
}

func (r *TermRepo) DeleteFields(ctx context.Context, q Queryer, name string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	where := map[string]interface{}{
		"term_name": name,
		"field in":  toInterfaces(fields),
	}
	sqlStr, args, err := builder.BuildDelete("term_fields", where)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(q, sqlStr, args)
	_, err = q.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *TermRepo) Get(ctx context.Context, name string) (*model.Term, error) {
	sqlStr, args, err := builder.BuildSelect("terms", map[string]interface{}{"name": name},
		[]string{"name", "definition", "definition_html", "short_definition", "category", "subcategories", "created_at", "updated_at"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	var row termRow
	if err := r.db.GetContext(ctx, &row, sqlStr, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	term := &model.Term{
		Name:            row.Name,
		Definition:      row.Definition,
		DefinitionHTML:  row.DefinitionHTML,
		ShortDefinition: row.ShortDefinition,
		Category:        row.Category,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(row.Subcategories), &term.Subcategories)
	return term, nil
}

// GetFields returns every stored field of a term with its last write time.
func (r *TermRepo) GetFields(ctx context.Context, name string) (map[string]model.Field, map[string]int64, error) {
	sqlStr, args, err := builder.BuildSelect("term_fields", map[string]interface{}{"term_name": name},
		[]string{"field", "value", "updated_at"})
	if err != nil {
		return nil, nil, err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	rows, err := r.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	fields := make(map[string]model.Field)
	updated := make(map[string]int64)
	for rows.Next() {
		var name, value string
		var updatedAt int64
		if err := rows.Scan(&name, &value, &updatedAt); err != nil {
			return nil, nil, err
		}
		var field model.Field
		if err := json.Unmarshal([]byte(value), &field); err != nil {
			return nil, nil, err
		}
		fields[name] = field
		updated[name] = updatedAt
	}
	return fields, updated, rows.Err()
}

func (r *TermRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM terms`)
	return n, err
}
