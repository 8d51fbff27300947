package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type finishedRunDeleter interface {
	DeleteFinishedBefore(ctx context.Context, cutoff int64) (int64, error)
}

// IngestCleanupJob drops completed and failed ledger entries older than
// maxAge. Paused entries are kept so they can still be resumed.
type IngestCleanupJob struct {
	runs   finishedRunDeleter
	maxAge time.Duration
	now    func() time.Time
}

func NewIngestCleanupJob(runs finishedRunDeleter, maxAge time.Duration) *IngestCleanupJob {
	return &IngestCleanupJob{runs: runs, maxAge: maxAge, now: time.Now}
}

func (j *IngestCleanupJob) Name() string {
	return "ingest_cleanup"
}

func (j *IngestCleanupJob) Run(ctx context.Context) error {
	if j.runs == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	cutoff := j.now().Add(-maxAge).UnixMilli()
	deleted, err := j.runs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logutil.GetLogger(ctx).Info("removed finished ingest runs", zap.Int64("count", deleted))
	}
	return nil
}
