package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/glossary-ingest/internal/hasher"
	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

func record(key string, offset int64, fields map[string]string) model.Record {
	rec := model.Record{Key: key, Offset: offset, Fields: map[string]model.Field{}}
	for name, value := range fields {
		rec.Fields[name] = model.TextField(value)
	}
	return rec
}

func fingerprintOf(rec model.Record) *model.Fingerprint {
	overall, fields := hasher.Hash(rec)
	return &model.Fingerprint{
		NaturalKey:  hasher.NormalizeKey(rec.Key),
		OverallHash: overall,
		FieldHashes: fields,
		HashVersion: hasher.Version,
	}
}

func TestClassifyNew(t *testing.T) {
	rec := record("A", 0, map[string]string{"val": "x", "other": "y"})
	got := Classify(rec, nil)
	require.Equal(t, model.ChangeNew, got.Kind)
	require.Equal(t, []string{"other", "val"}, got.ChangedFields)
}

func TestClassifyUnchanged(t *testing.T) {
	rec := record("A", 0, map[string]string{"val": "x"})
	got := Classify(record(" A ", 3, map[string]string{"val": " x "}), fingerprintOf(rec))
	require.Equal(t, model.ChangeUnchanged, got.Kind)
	require.Empty(t, got.ChangedFields)
}

func TestClassifyModifiedListsExactlyTheChangedField(t *testing.T) {
	stored := fingerprintOf(record("A", 0, map[string]string{"val": "x", "other": "y"}))
	got := Classify(record("A", 0, map[string]string{"val": "x2", "other": "y"}), stored)
	require.Equal(t, model.ChangeModified, got.Kind)
	require.Equal(t, []string{"val"}, got.ChangedFields)
	require.Empty(t, got.RemovedFields)
}

func TestClassifyModifiedWithRemovedField(t *testing.T) {
	stored := fingerprintOf(record("A", 0, map[string]string{"val": "x", "other": "y"}))
	got := Classify(record("A", 0, map[string]string{"val": "x"}), stored)
	require.Equal(t, model.ChangeModified, got.Kind)
	require.Equal(t, []string{"other"}, got.ChangedFields)
	require.Equal(t, []string{"other"}, got.RemovedFields)
}

func TestClassifyOldHashVersionForcesModified(t *testing.T) {
	rec := record("A", 0, map[string]string{"val": "x"})
	stored := fingerprintOf(rec)
	stored.HashVersion = hasher.Version - 1
	got := Classify(rec, stored)
	require.Equal(t, model.ChangeModified, got.Kind)
	require.Equal(t, []string{"val"}, got.ChangedFields)
}

func TestBatchRejectsDuplicateWithinChunk(t *testing.T) {
	records := []model.Record{
		record("A", 0, map[string]string{"val": "x"}),
		record("B", 1, map[string]string{"val": "y"}),
		record(" A", 2, map[string]string{"val": "z"}),
	}
	seen := map[string]int64{}
	_, err := Batch(records, nil, seen)
	require.ErrorIs(t, err, appErr.ErrDuplicateKeyInBatch)
	require.Empty(t, seen)
}

func TestBatchRejectsKeySeenEarlierInRun(t *testing.T) {
	seen := map[string]int64{"A": 0}
	_, err := Batch([]model.Record{record("A", 7, map[string]string{"val": "x"})}, nil, seen)
	require.ErrorIs(t, err, appErr.ErrDuplicateKeyInBatch)
}

func TestBatchClassifiesAndRecordsKeys(t *testing.T) {
	a := record("A", 0, map[string]string{"val": "x"})
	b := record("B", 1, map[string]string{"val": "y"})
	stored := map[string]*model.Fingerprint{"A": fingerprintOf(a)}
	seen := map[string]int64{}
	got, err := Batch([]model.Record{a, b}, stored, seen)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, model.ChangeUnchanged, got[0].Kind)
	require.Equal(t, model.ChangeNew, got[1].Kind)
	require.Equal(t, map[string]int64{"A": 0, "B": 1}, seen)
}
