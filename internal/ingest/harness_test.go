package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/glossary-ingest/internal/filestore"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/repo"
	"github.com/xxxsen/glossary-ingest/internal/retry"
	"github.com/xxxsen/glossary-ingest/internal/source"
	"github.com/xxxsen/glossary-ingest/test/testutil"
)

const glossaryHeader = "Term,Introduction – Definition and Overview,Introduction – Main Category,Tags"

type harness struct {
	t      *testing.T
	db     *sqlx.DB
	dir    string
	runs   *repo.IngestRunRepo
	terms  *repo.TermRepo
	fps    *repo.FingerprintRepo
	ledger *Ledger
	writer *Writer
	orch   *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenSQLite(t)
	h := &harness{
		t:     t,
		db:    db,
		dir:   t.TempDir(),
		runs:  repo.NewIngestRunRepo(db),
		terms: repo.NewTermRepo(db),
		fps:   repo.NewFingerprintRepo(db),
	}
	h.ledger = NewLedger(h.runs, time.Minute)
	h.writer = NewWriter(WriterDeps{
		DB:             db,
		Terms:          h.terms,
		Fingerprints:   h.fps,
		Embeddings:     repo.NewTermEmbeddingRepo(db),
		Retry:          noSleepPolicy(3),
		TouchUnchanged: true,
	})
	h.orch = NewOrchestrator(source.New(filestore.NewMux(nil)), h.ledger, h.writer, h.fps)
	return h
}

func noSleepPolicy(attempts int) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = attempts
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

// writeCSV writes a glossary export with the standard header.
func (h *harness) writeCSV(name string, rows ...string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	content := glossaryHeader + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *harness) run(path string, opts Options) (*model.IngestRun, error) {
	h.t.Helper()
	opts.Schema = source.Schema{KeyColumn: "Term", ListColumns: []string{"Tags"}}
	return h.orch.Run(context.Background(), path, opts)
}

func (h *harness) count(table string) int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Get(&n, "SELECT COUNT(1) FROM "+table))
	return n
}

func (h *harness) termNames() []string {
	h.t.Helper()
	var names []string
	require.NoError(h.t, h.db.Select(&names, "SELECT name FROM terms ORDER BY name"))
	return names
}

func (h *harness) fingerprintHashes() map[string]string {
	h.t.Helper()
	rows := []struct {
		Key  string `db:"natural_key"`
		Hash string `db:"overall_hash"`
	}{}
	require.NoError(h.t, h.db.Select(&rows, "SELECT natural_key, overall_hash FROM term_fingerprints"))
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Hash
	}
	return out
}

// stepClock advances by step on every read.
type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	cur := c.t
	c.t = c.t.Add(c.step)
	return cur
}

func row(term, definition, category, tags string) string {
	return term + "," + quote(definition) + "," + quote(category) + "," + quote(tags)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func sampleRows(n int) []string {
	rows := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := string(rune('A'+i)) + "-term"
		rows = append(rows, row(name, "Definition of "+name+".", "Main Category: Testing", "x; y"))
	}
	return rows
}
