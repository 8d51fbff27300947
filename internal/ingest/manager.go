package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/pkg/timeutil"
	"github.com/xxxsen/glossary-ingest/internal/repo"
)

const (
	statusCacheSize = 256
	statusCacheTTL  = 2 * time.Second
)

// Manager starts runs in the background and answers status and cancel
// requests for them. The database stays the source of truth; the status
// cache only absorbs polling.
type Manager struct {
	orch     *Orchestrator
	runs     *repo.IngestRunRepo
	defaults Options
	cache    *expirable.LRU[string, *model.IngestRun]

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(orch *Orchestrator, runs *repo.IngestRunRepo, defaults Options) *Manager {
	return &Manager{
		orch:     orch,
		runs:     runs,
		defaults: defaults.withDefaults(),
		cache:    expirable.NewLRU[string, *model.IngestRun](statusCacheSize, nil, statusCacheTTL),
		active:   make(map[string]context.CancelFunc),
	}
}

// StartOptions overrides the manager defaults for one run. Zero values keep
// the defaults.
type StartOptions struct {
	ChunkSize  int
	MaxRuntime time.Duration
	Resume     bool
}

func (m *Manager) options(in StartOptions) Options {
	opts := m.defaults
	if in.ChunkSize > 0 {
		opts.ChunkSize = in.ChunkSize
	}
	if in.MaxRuntime > 0 {
		opts.MaxRuntime = in.MaxRuntime
	}
	opts.Resume = in.Resume
	return opts
}

// Start claims a ledger entry for path and processes it in the background.
// Unreadable sources and active runs are reported before anything starts.
func (m *Manager) Start(ctx context.Context, path string, in StartOptions) (string, error) {
	opts := m.options(in)
	run, err := m.orch.Prepare(ctx, path, opts)
	if err != nil {
		return "", err
	}
	m.launch(ctx, run, opts)
	return run.ID, nil
}

// Resume continues a paused run. A source that changed since the run paused
// is a different source: the old entry is superseded and ErrConflict is
// returned.
func (m *Manager) Resume(ctx context.Context, runID string) (string, error) {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != model.RunStatusPaused {
		return "", fmt.Errorf("run %s is %s: %w", runID, run.Status, appErr.ErrInvalid)
	}
	desc, err := m.orch.Inspect(ctx, run.SourcePath)
	if err != nil {
		return "", err
	}
	if desc.SourceID() != run.SourceID {
		if _, err := m.runs.Supersede(ctx, run.ID, "source changed since pause", timeutil.NowUnixMilli()); err != nil {
			return "", err
		}
		m.cache.Remove(run.ID)
		return "", fmt.Errorf("source of run %s changed: %w", runID, appErr.ErrConflict)
	}
	opts := m.options(StartOptions{ChunkSize: run.ChunkSize, Resume: true})
	claimed, err := m.orch.ledger.CreateOrResume(ctx, desc, opts.ChunkSize, true)
	if err != nil {
		return "", err
	}
	m.launch(ctx, claimed, opts)
	return claimed.ID, nil
}

func (m *Manager) launch(ctx context.Context, run *model.IngestRun, opts Options) {
	m.cache.Remove(run.ID)
	if run.Status != model.RunStatusProcessing {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.active[run.ID] = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, run.ID)
			m.mu.Unlock()
			cancel()
			m.cache.Remove(run.ID)
		}()
		if _, err := m.orch.Execute(runCtx, run, opts); err != nil {
			logutil.GetLogger(runCtx).Error("ingest run stopped with error", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
}

func (m *Manager) Status(ctx context.Context, runID string) (*model.IngestRun, error) {
	if run, ok := m.cache.Get(runID); ok {
		return run, nil
	}
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(runID, run)
	return run, nil
}

// Cancel asks an active run to stop at its next chunk boundary. A paused run
// is closed as failed so that it is never resumed automatically.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	defer m.cache.Remove(runID)
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	now := timeutil.NowUnixMilli()
	switch {
	case run.Status.Active():
		ok, err := m.runs.RequestCancel(ctx, runID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s finished before cancel: %w", runID, appErr.ErrInvalid)
		}
		m.mu.Lock()
		cancel := m.active[runID]
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case run.Status == model.RunStatusPaused:
		ok, err := m.runs.Supersede(ctx, runID, "cancelled", now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s changed state: %w", runID, appErr.ErrInvalid)
		}
		return nil
	default:
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, appErr.ErrInvalid)
	}
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]*model.IngestRun, error) {
	return m.runs.List(ctx, repo.ListRunsFilter{Limit: limit, Offset: offset})
}

// ListResumable returns paused runs that may be resumed without an
// operator.
func (m *Manager) ListResumable(ctx context.Context, limit int) ([]*model.IngestRun, error) {
	paused, err := m.runs.List(ctx, repo.ListRunsFilter{Status: model.RunStatusPaused})
	if err != nil {
		return nil, err
	}
	out := make([]*model.IngestRun, 0, len(paused))
	for _, run := range paused {
		if !run.PauseReason.Resumable() {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Running reports whether this process is executing runID.
func (m *Manager) Running(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[runID]
	return ok
}

// Shutdown interrupts every local run and waits for them to pause, or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("ingest runs still active"), ctx.Err())
	}
}

// Wait blocks until every run started by this manager has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
