package ingest

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/source"
)

func TestRunCompletesAndReports(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(5)...)

	run, err := h.run(path, Options{ChunkSize: 2})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	require.Equal(t, int64(5), run.ProcessedRows)
	require.Equal(t, int64(5), run.LastOffset)
	require.Equal(t, int64(5), run.Report.Created)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, int64(5), h.count("terms"))
	require.Equal(t, int64(5), h.count("term_fingerprints"))

	stored, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, stored.Status)
	require.Equal(t, int64(5), stored.Report.Created)

	term, err := h.terms.Get(context.Background(), "A-term")
	require.NoError(t, err)
	require.Equal(t, "Definition of A-term.", term.Definition)
	require.Equal(t, "Testing", term.Category)
	require.Contains(t, term.DefinitionHTML, "<p>")
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(3)...)

	first, err := h.run(path, Options{ChunkSize: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), first.Report.Created)
	before, err := h.terms.Get(context.Background(), "B-term")
	require.NoError(t, err)
	hashes := h.fingerprintHashes()

	h.writer.now = func() time.Time { return time.Now().Add(time.Hour) }
	second, err := h.run(path, Options{ChunkSize: 2})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, model.RunStatusCompleted, second.Status)
	require.Equal(t, int64(0), second.Report.Created)
	require.Equal(t, int64(0), second.Report.Updated)
	require.Equal(t, int64(3), second.Report.Unchanged)

	after, err := h.terms.Get(context.Background(), "B-term")
	require.NoError(t, err)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	require.Equal(t, hashes, h.fingerprintHashes())
	require.Equal(t, int64(3), h.count("terms"))
}

func TestRunPausesOnBudgetAndResumes(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(3)...)
	h.orch.clock = (&stepClock{t: time.Unix(1_700_000_000, 0), step: time.Second}).Now

	run, err := h.run(path, Options{ChunkSize: 1, MaxRuntime: 2 * time.Second})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusPaused, run.Status)
	require.Equal(t, model.PauseBudget, run.PauseReason)
	require.Equal(t, int64(2), run.LastOffset)
	require.Equal(t, int64(2), run.ProcessedRows)
	require.Equal(t, int64(2), h.count("terms"))

	resumed, err := h.run(path, Options{ChunkSize: 1, MaxRuntime: 2 * time.Second, Resume: true})
	require.NoError(t, err)
	require.Equal(t, run.ID, resumed.ID)
	require.Equal(t, model.RunStatusCompleted, resumed.Status)
	require.Equal(t, int64(3), resumed.ProcessedRows)
	require.Equal(t, int64(3), resumed.Report.Created)
	require.Equal(t, int64(1), h.count("ingest_runs"))
}

func TestResumedRunMatchesUninterruptedRun(t *testing.T) {
	rows := sampleRows(7)

	straight := newHarness(t)
	_, err := straight.run(straight.writeCSV("g.csv", rows...), Options{ChunkSize: 3})
	require.NoError(t, err)

	paused := newHarness(t)
	path := paused.writeCSV("g.csv", rows...)
	paused.orch.clock = (&stepClock{t: time.Unix(0, 0), step: time.Second}).Now
	for i := 0; i < 10; i++ {
		run, err := paused.run(path, Options{ChunkSize: 2, MaxRuntime: time.Second, Resume: true})
		require.NoError(t, err)
		if run.Status == model.RunStatusCompleted {
			require.Equal(t, int64(7), run.ProcessedRows)
			break
		}
		require.Equal(t, model.PauseBudget, run.PauseReason)
	}
	require.Equal(t, straight.termNames(), paused.termNames())
	require.Equal(t, straight.fingerprintHashes(), paused.fingerprintHashes())
}

func TestChunkFailureLeavesEarlierChunksAndNothingElse(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(4)...)
	_, err := h.db.Exec(`CREATE TRIGGER reject_c BEFORE INSERT ON terms WHEN NEW.name = 'C-term'
BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	run, err := h.run(path, Options{ChunkSize: 2})
	require.ErrorIs(t, err, appErr.ErrChunkWriteFailed)
	require.Equal(t, model.RunStatusPaused, run.Status)
	require.Equal(t, model.PauseWriteFailed, run.PauseReason)

	stored, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.LastOffset)
	require.Equal(t, int64(2), stored.ProcessedRows)
	require.Equal(t, int64(2), stored.Report.Created)
	require.Contains(t, stored.ErrorMessage, "rejected")
	require.Equal(t, []string{"A-term", "B-term"}, h.termNames())
	require.Len(t, h.fingerprintHashes(), 2)

	_, err = h.db.Exec(`DROP TRIGGER reject_c`)
	require.NoError(t, err)
	resumed, err := h.run(path, Options{ChunkSize: 2, Resume: true})
	require.NoError(t, err)
	require.Equal(t, run.ID, resumed.ID)
	require.Equal(t, model.RunStatusCompleted, resumed.Status)
	require.Equal(t, int64(4), resumed.ProcessedRows)
	require.Equal(t, int64(4), resumed.Report.Created)
	require.Equal(t, int64(4), h.count("terms"))
}

func TestChangeDetectionUpdatesOnlyTheChangedField(t *testing.T) {
	h := newHarness(t)
	rows := sampleRows(3)
	h.writer.now = func() time.Time { return time.UnixMilli(1000) }
	_, err := h.run(h.writeCSV("v1.csv", rows...), Options{})
	require.NoError(t, err)

	rows[1] = row("B-term", "A sharper definition of B-term.", "Main Category: Testing", "x; y")
	h.writer.now = func() time.Time { return time.UnixMilli(2000) }
	run, err := h.run(h.writeCSV("v2.csv", rows...), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(0), run.Report.Created)
	require.Equal(t, int64(1), run.Report.Updated)
	require.Equal(t, int64(2), run.Report.Unchanged)

	fields, updated, err := h.terms.GetFields(context.Background(), "B-term")
	require.NoError(t, err)
	require.Equal(t, "A sharper definition of B-term.", fields["Introduction – Definition and Overview"].Text)
	require.Equal(t, int64(2000), updated["Introduction – Definition and Overview"])
	require.Equal(t, int64(1000), updated["Introduction – Main Category"])
	require.Equal(t, int64(1000), updated["Tags"])

	untouched, err := h.terms.Get(context.Background(), "A-term")
	require.NoError(t, err)
	require.Equal(t, int64(1000), untouched.UpdatedAt)
}

func TestRemovedFieldIsDeleted(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(h.writeCSV("v1.csv", row("A-term", "Def.", "Main Category: X", "t1")), Options{})
	require.NoError(t, err)
	run, err := h.run(h.writeCSV("v2.csv", row("A-term", "Def.", "Main Category: X", "")), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(1), run.Report.Updated)

	fields, _, err := h.terms.GetFields(context.Background(), "A-term")
	require.NoError(t, err)
	require.NotContains(t, fields, "Tags")
	require.Contains(t, fields, "Introduction – Main Category")
}

func TestDuplicateKeyPausesAndWritesNothingOfTheChunk(t *testing.T) {
	h := newHarness(t)
	rows := sampleRows(3)
	rows = append(rows, row("D-term", "d", "", ""), row(" B-term ", "again", "", ""))
	path := h.writeCSV("glossary.csv", rows...)

	run, err := h.run(path, Options{ChunkSize: 3})
	require.ErrorIs(t, err, appErr.ErrDuplicateKeyInBatch)
	require.Equal(t, model.RunStatusPaused, run.Status)
	require.Equal(t, model.PauseDuplicate, run.PauseReason)
	require.Equal(t, int64(3), run.LastOffset)
	require.Equal(t, []string{"A-term", "B-term", "C-term"}, h.termNames())

	stored, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Contains(t, stored.ErrorMessage, "B-term")
	require.False(t, stored.PauseReason.Resumable())
}

func TestDuplicateKeyAcrossResumeIsDetected(t *testing.T) {
	h := newHarness(t)
	rows := append(sampleRows(2), row("A-term", "dup", "", ""))
	path := h.writeCSV("glossary.csv", rows...)
	h.orch.clock = (&stepClock{t: time.Unix(0, 0), step: time.Second}).Now

	run, err := h.run(path, Options{ChunkSize: 1, MaxRuntime: 2 * time.Second})
	require.NoError(t, err)
	require.Equal(t, int64(2), run.LastOffset)

	_, err = h.run(path, Options{ChunkSize: 1, Resume: true})
	require.ErrorIs(t, err, appErr.ErrDuplicateKeyInBatch)
}

func TestMalformedRowsAreSkippedAndReported(t *testing.T) {
	h := newHarness(t)
	rows := sampleRows(2)
	rows = append(rows, "broken,row", row("C-term", "c", "", ""))
	path := h.writeCSV("glossary.csv", rows...)

	run, err := h.run(path, Options{ChunkSize: 2})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	require.Equal(t, int64(4), run.ProcessedRows)
	require.Equal(t, int64(3), run.Report.Created)
	require.Equal(t, int64(1), run.Report.Skipped)
	require.Len(t, run.Report.Errors, 1)
	require.Equal(t, int64(3), h.count("terms"))
}

func TestSecondRunOfActiveSourceIsRejected(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(2)...)
	_, err := h.orch.Prepare(context.Background(), path, Options{})
	require.NoError(t, err)

	_, err = h.run(path, Options{})
	require.ErrorIs(t, err, appErr.ErrRunAlreadyActive)
	require.Equal(t, int64(1), h.count("ingest_runs"))
	require.Equal(t, int64(0), h.count("terms"))
}

func TestUnreadableSourceCreatesNoEntry(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(h.dir+"/missing.csv", Options{})
	require.ErrorIs(t, err, appErr.ErrSourceUnreadable)

	bad := h.dir + "/nokey.csv"
	require.NoError(t, os.WriteFile(bad, []byte("Name,Value\nx,y\n"), 0o644))
	_, err = h.run(bad, Options{})
	require.ErrorIs(t, err, appErr.ErrSourceUnreadable)
	require.Equal(t, int64(0), h.count("ingest_runs"))
}

func TestCancelRequestPausesAtBoundary(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(3)...)
	ctx := context.Background()
	run, err := h.orch.Prepare(ctx, path, Options{ChunkSize: 1})
	require.NoError(t, err)
	ok, err := h.runs.RequestCancel(ctx, run.ID, time.Now().UnixMilli())
	require.NoError(t, err)
	require.True(t, ok)

	run, err = h.orch.Execute(ctx, run, Options{ChunkSize: 1})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusPaused, run.Status)
	require.Equal(t, model.PauseCancelled, run.PauseReason)
	require.Equal(t, int64(0), run.LastOffset)
	require.Equal(t, int64(0), h.count("terms"))
}

func TestInterruptedContextPausesResumably(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(3)...)
	run, err := h.orch.Prepare(context.Background(), path, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err = h.orch.Execute(ctx, run, Options{})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusPaused, run.Status)
	require.Equal(t, model.PauseInterrupted, run.PauseReason)
	require.True(t, run.PauseReason.Resumable())
}

func TestResumeOfCompletedSourceDoesNothing(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(2)...)
	first, err := h.run(path, Options{})
	require.NoError(t, err)

	again, err := h.run(path, Options{Resume: true})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, model.RunStatusCompleted, again.Status)
	require.Equal(t, int64(1), h.count("ingest_runs"))
}

func TestJSONLinesSource(t *testing.T) {
	h := newHarness(t)
	path := h.dir + "/glossary.jsonl"
	content := `{"Term":"Epoch","Introduction – Definition and Overview":"One pass over the data.","Tags":["training","loop"]}
{"Term":"Batch","Introduction – Definition and Overview":"A group of samples."}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	run, err := h.run(path, Options{})
	require.NoError(t, err)
	require.Equal(t, int64(2), run.Report.Created)
	require.Equal(t, []string{"Batch", "Epoch"}, h.termNames())

	fields, _, err := h.terms.GetFields(context.Background(), "Epoch")
	require.NoError(t, err)
	require.Equal(t, []string{"loop", "training"}, fields["Tags"].List)
}

// failingSource breaks Next at offset failAt while broken is set.
type failingSource struct {
	source.ISource
	failAt int64
	err    error
	broken bool
}

func (s *failingSource) Open(ctx context.Context, location string, schema source.Schema) (source.Reader, error) {
	r, err := s.ISource.Open(ctx, location, schema)
	if err != nil {
		return nil, err
	}
	return &failingReader{Reader: r, src: s}, nil
}

type failingReader struct {
	source.Reader
	src *failingSource
}

func (r *failingReader) Next() (model.Record, error) {
	if r.src.broken && r.Offset() == r.src.failAt {
		return model.Record{}, r.src.err
	}
	return r.Reader.Next()
}

func TestConnectionLossPausesAndResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(3)...)
	src := &failingSource{
		ISource: h.orch.src,
		failAt:  1,
		err:     &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
		broken:  true,
	}
	h.orch.src = src

	run, err := h.run(path, Options{ChunkSize: 1})
	require.Error(t, err)
	require.Equal(t, model.RunStatusPaused, run.Status)
	require.Equal(t, model.PauseUnavailable, run.PauseReason)
	require.True(t, run.PauseReason.Resumable())
	require.Equal(t, int64(1), run.LastOffset)

	stored, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusPaused, stored.Status)
	require.Equal(t, int64(1), stored.LastOffset)

	src.broken = false
	resumed, err := h.run(path, Options{ChunkSize: 1, Resume: true})
	require.NoError(t, err)
	require.Equal(t, run.ID, resumed.ID)
	require.Equal(t, model.RunStatusCompleted, resumed.Status)
	require.Equal(t, int64(3), resumed.ProcessedRows)
	require.Equal(t, int64(3), resumed.Report.Created)
	require.Equal(t, int64(1), h.count("ingest_runs"))
}

func TestUnrecoverableReadErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(3)...)
	h.orch.src = &failingSource{
		ISource: h.orch.src,
		failAt:  1,
		err:     os.ErrPermission,
		broken:  true,
	}

	run, err := h.run(path, Options{ChunkSize: 1})
	require.ErrorIs(t, err, os.ErrPermission)
	require.Equal(t, model.RunStatusFailed, run.Status)
	require.Equal(t, int64(1), run.LastOffset)
}

func TestSourceRewrittenAfterClaimFailsRun(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(2)...)
	opts := Options{Schema: source.Schema{KeyColumn: "Term", ListColumns: []string{"Tags"}}}
	ctx := context.Background()
	run, err := h.orch.Prepare(ctx, path, opts)
	require.NoError(t, err)

	// same row count, different bytes
	h.writeCSV("glossary.csv", row("A-term", "Changed.", "Main Category: Testing", "x"), row("B-term", "Changed.", "", ""))
	run, err = h.orch.Execute(ctx, run, opts)
	require.ErrorIs(t, err, appErr.ErrSourceUnreadable)
	require.Equal(t, model.RunStatusFailed, run.Status)
	require.Contains(t, run.ErrorMessage, "changed")
}

func TestSourceGrownAfterClaimFailsRun(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV("glossary.csv", sampleRows(2)...)
	opts := Options{ChunkSize: 1, Schema: source.Schema{KeyColumn: "Term", ListColumns: []string{"Tags"}}}
	ctx := context.Background()
	run, err := h.orch.Prepare(ctx, path, opts)
	require.NoError(t, err)

	h.writeCSV("glossary.csv", sampleRows(3)...)
	run, err = h.orch.Execute(ctx, run, opts)
	require.ErrorIs(t, err, appErr.ErrSourceUnreadable)
	require.Equal(t, model.RunStatusFailed, run.Status)
	require.Equal(t, int64(2), run.LastOffset)
}
