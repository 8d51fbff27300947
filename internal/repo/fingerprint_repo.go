package repo

import (
	"context"
	"encoding/json"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/dbutil"
)

type fingerprintRow struct {
	NaturalKey    string `db:"natural_key"`
	OverallHash   string `db:"overall_hash"`
	FieldHashes   string `db:"field_hashes"`
	HashVersion   int    `db:"hash_version"`
	LastCheckedAt int64  `db:"last_checked_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

type FingerprintRepo struct {
	db *sqlx.DB
}

func NewFingerprintRepo(db *sqlx.DB) *FingerprintRepo {
	return &FingerprintRepo{db: db}
}

// GetMany loads the stored fingerprints of keys. Keys never seen before are
// absent from the result.
func (r *FingerprintRepo) GetMany(ctx context.Context, keys []string) (map[string]*model.Fingerprint, error) {
	result := make(map[string]*model.Fingerprint, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	where := map[string]interface{}{"natural_key in": toInterfaces(keys)}
	sqlStr, args, err := builder.BuildSelect("term_fingerprints", where,
		[]string{"natural_key", "overall_hash", "field_hashes", "hash_version", "last_checked_at", "updated_at"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	var rows []fingerprintRow
	if err := r.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		fp := &model.Fingerprint{
			NaturalKey:    row.NaturalKey,
			OverallHash:   row.OverallHash,
			HashVersion:   row.HashVersion,
			LastCheckedAt: row.LastCheckedAt,
			UpdatedAt:     row.UpdatedAt,
			FieldHashes:   map[string]string{},
		}
		if err := json.Unmarshal([]byte(row.FieldHashes), &fp.FieldHashes); err != nil {
			return nil, err
		}
		result[fp.NaturalKey] = fp
	}
	return result, nil
}

// Upsert writes fingerprints on the chunk transaction.
func (r *FingerprintRepo) Upsert(ctx context.Context, q Queryer, fps []model.Fingerprint) error {
	query := q.Rebind(`
		INSERT INTO term_fingerprints (natural_key, overall_hash, field_hashes, hash_version, last_checked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (natural_key) DO UPDATE SET
			overall_hash = EXCLUDED.overall_hash,
			field_hashes = EXCLUDED.field_hashes,
			hash_version = EXCLUDED.hash_version,
			last_checked_at = EXCLUDED.last_checked_at,
			updated_at = EXCLUDED.updated_at
	`)
	for _, fp := range fps {
		fieldHashes, err := json.Marshal(fp.FieldHashes)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query,
			fp.NaturalKey,
			fp.OverallHash,
			string(fieldHashes),
			fp.HashVersion,
			fp.LastCheckedAt,
			fp.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// TouchChecked bumps last_checked_at of keys without changing anything
// else.
func (r *FingerprintRepo) TouchChecked(ctx context.Context, keys []string, now int64) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	where := map[string]interface{}{"natural_key in": toInterfaces(keys)}
	sqlStr, args, err := builder.BuildUpdate("term_fingerprints", where, map[string]interface{}{"last_checked_at": now})
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *FingerprintRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM term_fingerprints`)
	return n, err
}
