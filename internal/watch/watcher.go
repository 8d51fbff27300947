// Package watch starts ingest runs for glossary exports dropped into a
// directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/glossary-ingest/internal/ingest"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/source"
)

const DefaultSettle = 2 * time.Second

type RunStarter interface {
	Start(ctx context.Context, path string, in ingest.StartOptions) (string, error)
}

// Watcher waits until a file has stopped changing for the settle period
// before starting a run for it.
type Watcher struct {
	dir     string
	runs    RunStarter
	settle  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	pending map[string]time.Time
}

func New(dir string, runs RunStarter, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		dir:     dir,
		runs:    runs,
		settle:  settle,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("dir", w.dir))
	logger.Info("watching drop folder")

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// handleEvent records a create or write of a supported, visible file and
// reports whether it was recorded.
func (w *Watcher) handleEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	if _, err := source.DetectFormat(ev.Name); err != nil {
		return false
	}
	w.mu.Lock()
	w.pending[ev.Name] = w.now()
	w.mu.Unlock()
	return true
}

// flush starts runs for files quiet for the settle period.
func (w *Watcher) flush(ctx context.Context) []string {
	now := w.now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	logger := logutil.GetLogger(ctx)
	started := make([]string, 0, len(ready))
	for _, path := range ready {
		runID, err := w.runs.Start(ctx, path, ingest.StartOptions{Resume: true})
		switch {
		case err == nil:
			logger.Info("started run for dropped file", zap.String("path", path), zap.String("run_id", runID))
			started = append(started, path)
		case errors.Is(err, appErr.ErrRunAlreadyActive):
			logger.Info("dropped file already being ingested", zap.String("path", path))
		default:
			logger.Warn("start run for dropped file failed", zap.String("path", path), zap.Error(err))
		}
	}
	return started
}
