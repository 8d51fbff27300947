package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/classify"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/dbutil"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/repo"
	"github.com/xxxsen/glossary-ingest/internal/source"
)

const (
	DefaultChunkSize  = 250
	DefaultMaxRuntime = 4 * time.Minute
)

type Options struct {
	ChunkSize int
	// MaxRuntime is a soft budget checked between chunks. Zero disables it.
	MaxRuntime time.Duration
	Resume     bool
	Schema     source.Schema
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Schema.KeyColumn == "" {
		o.Schema.KeyColumn = source.DefaultKeyColumn
	}
	return o
}

// Orchestrator drives one run chunk by chunk: read, fingerprint, classify,
// write with checkpoint, then decide at the chunk boundary whether to go on.
type Orchestrator struct {
	src          source.ISource
	ledger       *Ledger
	writer       *Writer
	fingerprints *repo.FingerprintRepo
	// clock feeds the runtime budget only. It is read once when a run starts
	// and once per chunk boundary.
	clock func() time.Time
}

func NewOrchestrator(src source.ISource, ledger *Ledger, writer *Writer, fingerprints *repo.FingerprintRepo) *Orchestrator {
	return &Orchestrator{
		src:          src,
		ledger:       ledger,
		writer:       writer,
		fingerprints: fingerprints,
		clock:        time.Now,
	}
}

// Run ingests path until it is exhausted, the budget runs out, the run is
// cancelled or a chunk fails. A paused or completed run is returned with a
// nil error only when it stopped cleanly.
func (o *Orchestrator) Run(ctx context.Context, path string, opts Options) (*model.IngestRun, error) {
	run, err := o.Prepare(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run, opts)
}

func (o *Orchestrator) Inspect(ctx context.Context, path string) (*source.Descriptor, error) {
	return o.src.Inspect(ctx, path)
}

// Prepare inspects the source and claims its ledger entry. No entry is
// created for an unreadable source.
func (o *Orchestrator) Prepare(ctx context.Context, path string, opts Options) (*model.IngestRun, error) {
	opts = opts.withDefaults()
	desc, err := o.src.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	// opening checks the header against the schema
	reader, err := o.src.Open(ctx, path, opts.Schema)
	if err != nil {
		return nil, err
	}
	_ = reader.Close()
	return o.ledger.CreateOrResume(ctx, desc, opts.ChunkSize, opts.Resume)
}

// Execute processes a claimed run. Cancelling ctx pauses the run at the next
// chunk boundary; a chunk already being written always finishes.
func (o *Orchestrator) Execute(ctx context.Context, run *model.IngestRun, opts Options) (*model.IngestRun, error) {
	opts = opts.withDefaults()
	logger := logutil.GetLogger(ctx).With(zap.String("run_id", run.ID), zap.String("source", run.SourcePath))
	if run.Status == model.RunStatusCompleted {
		logger.Info("source already ingested, nothing to do")
		return run, nil
	}
	if run.Report == nil {
		run.Report = &model.IngestReport{}
	}
	start := o.clock()
	// ledger and data writes must not be interrupted by the caller's cancel
	dctx := context.WithoutCancel(ctx)
	stopHeartbeat := o.ledger.KeepAlive(dctx, run)
	defer stopHeartbeat()

	reader, err := o.src.Open(dctx, run.SourcePath, opts.Schema)
	if err != nil {
		return run, o.halt(dctx, run, err)
	}
	defer reader.Close()
	seen, err := reader.Skip(run.LastOffset)
	if err != nil {
		return run, o.halt(dctx, run, fmt.Errorf("skip to offset %d: %w", run.LastOffset, err))
	}
	if reader.Offset() != run.LastOffset {
		return run, o.fail(dctx, run, fmt.Errorf("source ends at %d before resume offset %d: %w",
			reader.Offset(), run.LastOffset, appErr.ErrSourceUnreadable))
	}
	logger.Info("ingest run started", zap.Int64("offset", run.LastOffset), zap.Int("chunk_size", opts.ChunkSize))

	for {
		if reason, stop, err := o.shouldStop(ctx, dctx, run); err != nil {
			return run, o.halt(dctx, run, err)
		} else if stop {
			if err := o.ledger.MarkPaused(dctx, run, reason, nil); err != nil {
				return run, err
			}
			logger.Info("ingest run paused", zap.String("reason", string(reason)), zap.Int64("offset", run.LastOffset))
			return run, nil
		}

		records, malformed, eof, err := o.readChunk(dctx, reader, opts.ChunkSize)
		if err != nil {
			return run, o.halt(dctx, run, fmt.Errorf("read source: %w", err))
		}
		consumed := reader.Offset() - run.LastOffset
		if consumed > 0 {
			if err := o.processChunk(dctx, run, reader.Offset(), consumed, records, malformed, seen); err != nil {
				if errors.Is(err, appErr.ErrRunAlreadyActive) {
					return run, o.halt(dctx, run, err)
				}
				reason := model.PauseWriteFailed
				if errors.Is(err, appErr.ErrDuplicateKeyInBatch) {
					reason = model.PauseDuplicate
				}
				logger.Error("chunk failed, pausing run", zap.Int64("offset", run.LastOffset), zap.Error(err))
				if perr := o.ledger.MarkPaused(dctx, run, reason, err); perr != nil {
					logger.Error("pause run failed", zap.Error(perr))
				}
				return run, err
			}
		}
		if eof || (run.TotalRows != nil && run.LastOffset >= *run.TotalRows) {
			if err := o.verifyContent(reader, run, eof); err != nil {
				return run, o.halt(dctx, run, err)
			}
			if err := o.ledger.MarkCompleted(dctx, run); err != nil {
				return run, err
			}
			logger.Info("ingest run completed",
				zap.Int64("processed_rows", run.ProcessedRows),
				zap.Int64("created", run.Report.Created),
				zap.Int64("updated", run.Report.Updated),
				zap.Int64("unchanged", run.Report.Unchanged),
				zap.Int64("skipped", run.Report.Skipped),
			)
			return run, nil
		}
		if opts.MaxRuntime > 0 && o.clock().Sub(start) >= opts.MaxRuntime {
			if err := o.ledger.MarkPaused(dctx, run, model.PauseBudget, nil); err != nil {
				return run, err
			}
			logger.Info("runtime budget used up, pausing run", zap.Int64("offset", run.LastOffset))
			return run, nil
		}
	}
}

// verifyContent checks that the bytes just ingested are the ones the entry
// was created for. A source rewritten since then is a different source.
func (o *Orchestrator) verifyContent(reader source.Reader, run *model.IngestRun, eof bool) error {
	if !eof {
		_, err := reader.Next()
		if err == nil || errors.Is(err, appErr.ErrMalformedRow) {
			return fmt.Errorf("source %s has rows past offset %d: %w", run.SourcePath, run.LastOffset, appErr.ErrSourceUnreadable)
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read source: %w", err)
		}
	}
	if reader.Hash() != run.SourceHash {
		return fmt.Errorf("source %s changed during the run: %w", run.SourcePath, appErr.ErrSourceUnreadable)
	}
	return nil
}

// shouldStop checks for cancellation at a chunk boundary. A persisted cancel
// request wins over a cancelled context, which only means this process is
// going away.
func (o *Orchestrator) shouldStop(ctx, dctx context.Context, run *model.IngestRun) (model.PauseReason, bool, error) {
	requested, err := o.ledger.CancelRequested(dctx, run)
	if err != nil {
		return model.PauseNone, false, err
	}
	if requested {
		return model.PauseCancelled, true, nil
	}
	if ctx.Err() != nil {
		return model.PauseInterrupted, true, nil
	}
	return model.PauseNone, false, nil
}

// readChunk reads up to size rows. Malformed rows count towards the chunk;
// they are logged and returned as messages for the report.
func (o *Orchestrator) readChunk(ctx context.Context, reader source.Reader, size int) ([]model.Record, []string, bool, error) {
	records := make([]model.Record, 0, size)
	var malformed []string
	for i := 0; i < size; i++ {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return records, malformed, true, nil
		}
		if err != nil {
			if errors.Is(err, appErr.ErrMalformedRow) {
				logutil.GetLogger(ctx).Warn("skip malformed row", zap.Int64("offset", reader.Offset()-1), zap.Error(err))
				malformed = append(malformed, err.Error())
				continue
			}
			return nil, nil, false, err
		}
		records = append(records, rec)
	}
	return records, malformed, false, nil
}

func (o *Orchestrator) processChunk(ctx context.Context, run *model.IngestRun, newOffset, consumed int64, records []model.Record, malformed []string, seen map[string]int64) error {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	stored, err := o.fingerprints.GetMany(ctx, keys)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w: %w", appErr.ErrChunkWriteFailed, err)
	}
	classes, err := classify.Batch(records, stored, seen)
	if err != nil {
		return err
	}
	report := *run.Report
	report.Errors = append([]string(nil), run.Report.Errors...)
	for _, msg := range malformed {
		report.Skipped++
		report.AddError(msg)
	}
	for _, c := range classes {
		switch c.Kind {
		case model.ChangeNew:
			report.Created++
		case model.ChangeModified:
			report.Updated++
		case model.ChangeUnchanged:
			report.Unchanged++
		}
	}
	_, err = o.writer.Write(ctx, classes, func(ctx context.Context, tx *sqlx.Tx) error {
		return o.ledger.Checkpoint(ctx, tx, run, consumed, newOffset, &report)
	})
	if err != nil {
		return err
	}
	run.ProcessedRows += consumed
	run.LastOffset = newOffset
	*run.Report = report
	return nil
}

// halt stops a claimed run after cause. A lost lease leaves the entry to its
// new owner. Connectivity errors pause the run at its last checkpoint so it
// can be resumed; anything else fails it.
func (o *Orchestrator) halt(ctx context.Context, run *model.IngestRun, cause error) error {
	logger := logutil.GetLogger(ctx).With(zap.String("run_id", run.ID))
	switch {
	case errors.Is(cause, appErr.ErrRunAlreadyActive):
		logger.Warn("run taken over by another process, stopping", zap.Error(cause))
	case recoverable(cause):
		logger.Warn("source or database unavailable, pausing run", zap.Int64("offset", run.LastOffset), zap.Error(cause))
		if err := o.ledger.MarkPaused(ctx, run, model.PauseUnavailable, cause); err != nil {
			logger.Error("pause run failed", zap.Error(err))
		}
	default:
		return o.fail(ctx, run, cause)
	}
	return cause
}

func recoverable(err error) bool {
	return dbutil.IsTransient(err) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (o *Orchestrator) fail(ctx context.Context, run *model.IngestRun, cause error) error {
	logutil.GetLogger(ctx).Error("ingest run failed", zap.String("run_id", run.ID), zap.Error(cause))
	if err := o.ledger.MarkFailed(ctx, run, cause); err != nil {
		logutil.GetLogger(ctx).Error("mark run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return cause
}
