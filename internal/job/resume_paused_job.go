package job

import (
	"context"
	"errors"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

type pausedRunResumer interface {
	ListResumable(ctx context.Context, limit int) ([]*model.IngestRun, error)
	Resume(ctx context.Context, runID string) (string, error)
}

// ResumePausedJob picks up runs that paused on their time budget or because
// the process stopped. Runs paused for duplicates, write failures or a
// cancel wait for an operator.
type ResumePausedJob struct {
	runs  pausedRunResumer
	batch int
}

func NewResumePausedJob(runs pausedRunResumer, batch int) *ResumePausedJob {
	if batch <= 0 {
		batch = 4
	}
	return &ResumePausedJob{runs: runs, batch: batch}
}

func (j *ResumePausedJob) Name() string {
	return "resume_paused"
}

func (j *ResumePausedJob) Run(ctx context.Context) error {
	runs, err := j.runs.ListResumable(ctx, j.batch)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx)
	var errs []error
	for _, run := range runs {
		if _, err := j.runs.Resume(ctx, run.ID); err != nil {
			// another process won the run, or its source changed
			if errors.Is(err, appErr.ErrRunAlreadyActive) || errors.Is(err, appErr.ErrConflict) {
				logger.Info("skip resume", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			errs = append(errs, err)
			continue
		}
		logger.Info("resumed paused run", zap.String("run_id", run.ID), zap.String("source", run.SourcePath))
	}
	return errors.Join(errs...)
}
