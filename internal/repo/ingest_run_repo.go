package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/dbutil"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

var ingestRunColumns = []string{
	"id", "source_id", "source_path", "source_hash", "total_rows", "processed_rows",
	"last_offset", "chunk_size", "status", "pause_reason", "cancel_requested",
	"lease_token", "report_json", "error_message", "started_at", "updated_at", "completed_at",
}

type ingestRunRow struct {
	ID              string         `db:"id"`
	SourceID        string         `db:"source_id"`
	SourcePath      string         `db:"source_path"`
	SourceHash      string         `db:"source_hash"`
	TotalRows       sql.NullInt64  `db:"total_rows"`
	ProcessedRows   int64          `db:"processed_rows"`
	LastOffset      int64          `db:"last_offset"`
	ChunkSize       int            `db:"chunk_size"`
	Status          string         `db:"status"`
	PauseReason     string         `db:"pause_reason"`
	CancelRequested int            `db:"cancel_requested"`
	LeaseToken      string         `db:"lease_token"`
	ReportJSON      string         `db:"report_json"`
	ErrorMessage    sql.NullString `db:"error_message"`
	StartedAt       int64          `db:"started_at"`
	UpdatedAt       int64          `db:"updated_at"`
	CompletedAt     sql.NullInt64  `db:"completed_at"`
}

func (r ingestRunRow) toModel() *model.IngestRun {
	run := &model.IngestRun{
		ID:              r.ID,
		SourceID:        r.SourceID,
		SourcePath:      r.SourcePath,
		SourceHash:      r.SourceHash,
		ProcessedRows:   r.ProcessedRows,
		LastOffset:      r.LastOffset,
		ChunkSize:       r.ChunkSize,
		Status:          model.RunStatus(r.Status),
		PauseReason:     model.PauseReason(r.PauseReason),
		CancelRequested: r.CancelRequested == 1,
		LeaseToken:      r.LeaseToken,
		ErrorMessage:    r.ErrorMessage.String,
		StartedAt:       r.StartedAt,
		UpdatedAt:       r.UpdatedAt,
		Report:          &model.IngestReport{},
	}
	if r.TotalRows.Valid {
		total := r.TotalRows.Int64
		run.TotalRows = &total
	}
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Int64
		run.CompletedAt = &completed
	}
	if r.ReportJSON != "" {
		_ = json.Unmarshal([]byte(r.ReportJSON), run.Report)
	}
	return run
}

type IngestRunRepo struct {
	db *sqlx.DB
}

func NewIngestRunRepo(db *sqlx.DB) *IngestRunRepo {
	return &IngestRunRepo{db: db}
}

func (r *IngestRunRepo) DB() *sqlx.DB {
	return r.db
}

// Create inserts a new ledger entry. The partial unique index on active
// entries turns a concurrent second run for the same source into
// ErrRunAlreadyActive.
func (r *IngestRunRepo) Create(ctx context.Context, run *model.IngestRun) error {
	reportJSON, err := encodeReport(run.Report)
	if err != nil {
		return err
	}
	var total interface{}
	if run.TotalRows != nil {
		total = *run.TotalRows
	}
	data := map[string]interface{}{
		"id":               run.ID,
		"source_id":        run.SourceID,
		"source_path":      run.SourcePath,
		"source_hash":      run.SourceHash,
		"total_rows":       total,
		"processed_rows":   run.ProcessedRows,
		"last_offset":      run.LastOffset,
		"chunk_size":       run.ChunkSize,
		"status":           string(run.Status),
		"pause_reason":     string(run.PauseReason),
		"cancel_requested": boolToInt(run.CancelRequested),
		"lease_token":      run.LeaseToken,
		"report_json":      reportJSON,
		"started_at":       run.StartedAt,
		"updated_at":       run.UpdatedAt,
	}
	sqlStr, args, err := builder.BuildInsert("ingest_runs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return fmt.Errorf("source %s: %w", run.SourceID, appErr.ErrRunAlreadyActive)
		}
		return err
	}
	return nil
}

func (r *IngestRunRepo) Get(ctx context.Context, id string) (*model.IngestRun, error) {
	return r.getOne(ctx, map[string]interface{}{"id": id})
}

// FindLatestBySource returns the most recently started entry for sourceID.
func (r *IngestRunRepo) FindLatestBySource(ctx context.Context, sourceID string) (*model.IngestRun, error) {
	return r.getOne(ctx, map[string]interface{}{
		"source_id": sourceID,
		"_orderby":  "started_at desc, updated_at desc",
		"_limit":    []uint{0, 1},
	})
}

func (r *IngestRunRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.IngestRun, error) {
	sqlStr, args, err := builder.BuildSelect("ingest_runs", where, ingestRunColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	var row ingestRunRow
	if err := r.db.GetContext(ctx, &row, sqlStr, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

type ListRunsFilter struct {
	Status      model.RunStatus
	PauseReason model.PauseReason
	Offset      int
	Limit       int
}

func (r *IngestRunRepo) List(ctx context.Context, filter ListRunsFilter) ([]*model.IngestRun, error) {
	where := map[string]interface{}{"_orderby": "started_at desc"}
	if filter.Status != "" {
		where["status"] = string(filter.Status)
	}
	if filter.PauseReason != "" {
		where["pause_reason"] = string(filter.PauseReason)
	}
	if filter.Limit > 0 {
		where["_limit"] = []uint{uint(filter.Offset), uint(filter.Limit)}
	}
	sqlStr, args, err := builder.BuildSelect("ingest_runs", where, ingestRunColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(r.db, sqlStr, args)
	var rows []ingestRunRow
	if err := r.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, err
	}
	runs := make([]*model.IngestRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toModel())
	}
	return runs, nil
}

// UpdateStatusIf moves an entry from one status to another and hands it to
// the lease holder token. It reports false when the entry was not in
// fromStatus.
func (r *IngestRunRepo) UpdateStatusIf(ctx context.Context, id string, fromStatus, toStatus model.RunStatus, token string, now int64) (bool, error) {
	const query = `
		UPDATE ingest_runs
		SET status = ?, pause_reason = '', cancel_requested = 0, lease_token = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	return r.execAffected(ctx, r.db, query, string(toStatus), token, now, id, string(fromStatus))
}

// TakeOver claims an active entry whose owner stopped heartbeating. The
// compare on updated_at makes sure only one process wins; the new token
// fences the previous owner out of every later write.
func (r *IngestRunRepo) TakeOver(ctx context.Context, id string, seenUpdatedAt int64, token string, now int64) (bool, error) {
	const query = `
		UPDATE ingest_runs
		SET status = 'processing', updated_at = ?, cancel_requested = 0, lease_token = ?
		WHERE id = ? AND status IN ('pending', 'processing') AND updated_at = ?
	`
	return r.execAffected(ctx, r.db, query, now, token, id, seenUpdatedAt)
}

// Heartbeat refreshes the lease of a processing entry held by token.
func (r *IngestRunRepo) Heartbeat(ctx context.Context, id, token string, now int64) (bool, error) {
	const query = `
		UPDATE ingest_runs
		SET updated_at = ?
		WHERE id = ? AND status = 'processing' AND lease_token = ?
	`
	return r.execAffected(ctx, r.db, query, now, id, token)
}

func (r *IngestRunRepo) SetTotal(ctx context.Context, id string, total, now int64) error {
	const query = `UPDATE ingest_runs SET total_rows = ?, updated_at = ? WHERE id = ?`
	ok, err := r.execAffected(ctx, r.db, query, total, now, id)
	if err != nil {
		return err
	}
	if !ok {
		return appErr.ErrNotFound
	}
	return nil
}

// Checkpoint records the progress of one committed chunk. It runs on the
// chunk transaction and only moves the offset forward on a processing entry
// held by token. Recording the same offset twice, as a retry after an
// unconfirmed commit does, is a no-op. A foreign token means the lease was
// taken over and yields ErrRunAlreadyActive.
func (r *IngestRunRepo) Checkpoint(ctx context.Context, q Queryer, id, token string, processedDelta, newOffset int64, report *model.IngestReport, now int64) error {
	reportJSON, err := encodeReport(report)
	if err != nil {
		return err
	}
	const query = `
		UPDATE ingest_runs
		SET processed_rows = processed_rows + ?, last_offset = ?, report_json = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND lease_token = ? AND last_offset < ?
	`
	ok, err := r.execAffected(ctx, q, query, processedDelta, newOffset, reportJSON, now, id, token, newOffset)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	var state struct {
		Status     string `db:"status"`
		LeaseToken string `db:"lease_token"`
		LastOffset int64  `db:"last_offset"`
	}
	err = sqlx.GetContext(ctx, q, &state, q.Rebind(`SELECT status, lease_token, last_offset FROM ingest_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return appErr.ErrNotFound
	}
	if err != nil {
		return err
	}
	switch {
	case state.LeaseToken != token:
		return fmt.Errorf("checkpoint run %s: lease lost: %w", id, appErr.ErrRunAlreadyActive)
	case state.Status == string(model.RunStatusProcessing) && state.LastOffset == newOffset:
		return nil
	}
	return fmt.Errorf("checkpoint run %s at offset %d: %w", id, newOffset, appErr.ErrConflict)
}

// Finish moves a processing entry held by token to completed, failed or
// paused.
func (r *IngestRunRepo) Finish(ctx context.Context, id, token string, status model.RunStatus, reason model.PauseReason, errMsg string, report *model.IngestReport, now int64) (bool, error) {
	reportJSON, err := encodeReport(report)
	if err != nil {
		return false, err
	}
	var completedAt interface{}
	if status.Terminal() {
		completedAt = now
	}
	var message interface{}
	if errMsg != "" {
		message = errMsg
	}
	const query = `
		UPDATE ingest_runs
		SET status = ?, pause_reason = ?, error_message = ?, report_json = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = 'processing' AND lease_token = ?
	`
	return r.execAffected(ctx, r.db, query, string(status), string(reason), message, reportJSON, now, completedAt, id, token)
}

// Supersede fails a paused entry that a fresh run replaces.
func (r *IngestRunRepo) Supersede(ctx context.Context, id, reason string, now int64) (bool, error) {
	const query = `
		UPDATE ingest_runs
		SET status = 'failed', error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = 'paused'
	`
	return r.execAffected(ctx, r.db, query, reason, now, now, id)
}

// RequestCancel flags an active entry for cancellation at its next chunk
// boundary. It reports false when the entry is not active.
func (r *IngestRunRepo) RequestCancel(ctx context.Context, id string, now int64) (bool, error) {
	const query = `
		UPDATE ingest_runs
		SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`
	return r.execAffected(ctx, r.db, query, now, id)
}

// IsCancelRequested reads the cancel flag of the entry held by token. An
// entry held by another token yields ErrRunAlreadyActive.
func (r *IngestRunRepo) IsCancelRequested(ctx context.Context, id, token string) (bool, error) {
	query := r.db.Rebind(`SELECT cancel_requested, lease_token FROM ingest_runs WHERE id = ?`)
	var row struct {
		Flag       int    `db:"cancel_requested"`
		LeaseToken string `db:"lease_token"`
	}
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErr.ErrNotFound
		}
		return false, err
	}
	if row.LeaseToken != token {
		return false, fmt.Errorf("run %s: lease lost: %w", id, appErr.ErrRunAlreadyActive)
	}
	return row.Flag == 1, nil
}

// DeleteFinishedBefore removes completed and failed entries last touched
// before cutoff.
func (r *IngestRunRepo) DeleteFinishedBefore(ctx context.Context, cutoff int64) (int64, error) {
	where := map[string]interface{}{
		"status in":    []interface{}{string(model.RunStatusCompleted), string(model.RunStatusFailed)},
		"updated_at <": cutoff,
	}
	sqlStr, args, err := builder.BuildDelete("ingest_runs", where)
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

func (r *IngestRunRepo) execAffected(ctx context.Context, q Queryer, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func encodeReport(report *model.IngestReport) (string, error) {
	if report == nil {
		return "{}", nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
