package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/repo"
	"github.com/xxxsen/glossary-ingest/internal/source"
)

const DefaultLeaseTimeout = 5 * time.Minute

// Ledger owns the lifecycle of ingest runs:
//
//	pending -> processing -> completed | failed | paused
//	paused  -> processing
//
// completed and failed are final for an entry; a later run of the same
// source gets a new entry.
type Ledger struct {
	runs         *repo.IngestRunRepo
	leaseTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

func NewLedger(runs *repo.IngestRunRepo, leaseTimeout time.Duration) *Ledger {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &Ledger{
		runs:         runs,
		leaseTimeout: leaseTimeout,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// CreateOrResume returns the entry a run of desc should continue with. The
// returned entry is processing, or completed when resume is set and the
// source was already fully ingested.
func (l *Ledger) CreateOrResume(ctx context.Context, desc *source.Descriptor, chunkSize int, resume bool) (*model.IngestRun, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("source_id", desc.SourceID()))
	latest, err := l.runs.FindLatestBySource(ctx, desc.SourceID())
	if err != nil && !errors.Is(err, appErr.ErrNotFound) {
		return nil, err
	}
	if latest != nil {
		switch latest.Status {
		case model.RunStatusPending, model.RunStatusProcessing:
			if l.now().UnixMilli()-latest.UpdatedAt < l.leaseTimeout.Milliseconds() {
				return nil, fmt.Errorf("run %s holds source %s: %w", latest.ID, desc.SourceID(), appErr.ErrRunAlreadyActive)
			}
			ok, err := l.runs.TakeOver(ctx, latest.ID, latest.UpdatedAt, l.newID(), l.now().UnixMilli())
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("run %s was claimed concurrently: %w", latest.ID, appErr.ErrRunAlreadyActive)
			}
			logger.Warn("took over stale run", zap.String("run_id", latest.ID), zap.Int64("last_offset", latest.LastOffset))
			return l.reload(ctx, latest.ID, desc)
		case model.RunStatusPaused:
			if resume {
				ok, err := l.runs.UpdateStatusIf(ctx, latest.ID, model.RunStatusPaused, model.RunStatusProcessing, l.newID(), l.now().UnixMilli())
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("run %s was resumed concurrently: %w", latest.ID, appErr.ErrRunAlreadyActive)
				}
				logger.Info("resuming paused run", zap.String("run_id", latest.ID), zap.Int64("last_offset", latest.LastOffset))
				return l.reload(ctx, latest.ID, desc)
			}
			if _, err := l.runs.Supersede(ctx, latest.ID, "superseded by a fresh run", l.now().UnixMilli()); err != nil {
				return nil, err
			}
			logger.Info("superseded paused run", zap.String("run_id", latest.ID))
		case model.RunStatusCompleted:
			if resume {
				return latest, nil
			}
		}
	}
	return l.create(ctx, desc, chunkSize)
}

// reload fetches a claimed entry and fills in its row count when the entry
// predates it.
func (l *Ledger) reload(ctx context.Context, id string, desc *source.Descriptor) (*model.IngestRun, error) {
	run, err := l.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.TotalRows == nil {
		if err := l.runs.SetTotal(ctx, id, desc.Rows, l.now().UnixMilli()); err != nil {
			return nil, err
		}
		total := desc.Rows
		run.TotalRows = &total
	}
	return run, nil
}

func (l *Ledger) create(ctx context.Context, desc *source.Descriptor, chunkSize int) (*model.IngestRun, error) {
	now := l.now().UnixMilli()
	total := desc.Rows
	run := &model.IngestRun{
		ID:         l.newID(),
		SourceID:   desc.SourceID(),
		SourcePath: desc.Path,
		SourceHash: desc.Hash,
		TotalRows:  &total,
		ChunkSize:  chunkSize,
		Status:     model.RunStatusPending,
		Report:     &model.IngestReport{},
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	token := l.newID()
	ok, err := l.runs.UpdateStatusIf(ctx, run.ID, model.RunStatusPending, model.RunStatusProcessing, token, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s left pending: %w", run.ID, appErr.ErrConflict)
	}
	run.Status = model.RunStatusProcessing
	run.LeaseToken = token
	logutil.GetLogger(ctx).Info("created ingest run",
		zap.String("run_id", run.ID),
		zap.String("source_id", run.SourceID),
		zap.Int64("total_rows", total),
	)
	return run, nil
}

// Checkpoint records a committed chunk on tx. run is updated only by the
// caller once tx commits.
func (l *Ledger) Checkpoint(ctx context.Context, tx *sqlx.Tx, run *model.IngestRun, processedDelta, newOffset int64, report *model.IngestReport) error {
	return l.runs.Checkpoint(ctx, tx, run.ID, run.LeaseToken, processedDelta, newOffset, report, l.now().UnixMilli())
}

func (l *Ledger) MarkCompleted(ctx context.Context, run *model.IngestRun) error {
	return l.finish(ctx, run, model.RunStatusCompleted, model.PauseNone, nil)
}

func (l *Ledger) MarkFailed(ctx context.Context, run *model.IngestRun, cause error) error {
	return l.finish(ctx, run, model.RunStatusFailed, model.PauseNone, cause)
}

func (l *Ledger) MarkPaused(ctx context.Context, run *model.IngestRun, reason model.PauseReason, cause error) error {
	return l.finish(ctx, run, model.RunStatusPaused, reason, cause)
}

func (l *Ledger) finish(ctx context.Context, run *model.IngestRun, status model.RunStatus, reason model.PauseReason, cause error) error {
	now := l.now().UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := l.runs.Finish(ctx, run.ID, run.LeaseToken, status, reason, msg, run.Report, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s is no longer processing: %w", run.ID, appErr.ErrConflict)
	}
	run.Status = status
	run.PauseReason = reason
	run.ErrorMessage = msg
	run.UpdatedAt = now
	if status.Terminal() {
		run.CompletedAt = &now
	}
	return nil
}

func (l *Ledger) CancelRequested(ctx context.Context, run *model.IngestRun) (bool, error) {
	return l.runs.IsCancelRequested(ctx, run.ID, run.LeaseToken)
}

// Heartbeat refreshes the lease of run. It fails with ErrRunAlreadyActive
// once another process has taken the run over.
func (l *Ledger) Heartbeat(ctx context.Context, run *model.IngestRun) error {
	ok, err := l.runs.Heartbeat(ctx, run.ID, run.LeaseToken, l.now().UnixMilli())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s: lease lost: %w", run.ID, appErr.ErrRunAlreadyActive)
	}
	return nil
}

// KeepAlive heartbeats run every third of the lease timeout until the
// returned stop function is called or the lease is lost.
func (l *Ledger) KeepAlive(ctx context.Context, run *model.IngestRun) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.leaseTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := l.Heartbeat(ctx, run); err != nil {
				logutil.GetLogger(ctx).Warn("heartbeat failed", zap.String("run_id", run.ID), zap.Error(err))
				if errors.Is(err, appErr.ErrRunAlreadyActive) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
