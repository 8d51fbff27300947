package classify

import (
	"fmt"
	"sort"

	"github.com/xxxsen/glossary-ingest/internal/hasher"
	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

// Classify compares rec with its stored fingerprint. stored is nil when the
// key has never been ingested. For a modified record ChangedFields lists
// every field that was added, altered or removed; RemovedFields is the
// removed subset.
func Classify(rec model.Record, stored *model.Fingerprint) model.Classification {
	overall, fields := hasher.Hash(rec)
	result := model.Classification{
		Record:      hasher.Normalize(rec),
		OverallHash: overall,
		FieldHashes: fields,
	}
	switch {
	case stored == nil:
		result.Kind = model.ChangeNew
		result.ChangedFields = sortedKeys(fields)
	case stored.HashVersion != hasher.Version:
		result.Kind = model.ChangeModified
		result.RemovedFields = missingFrom(stored.FieldHashes, fields)
		result.ChangedFields = append(sortedKeys(fields), result.RemovedFields...)
		sort.Strings(result.ChangedFields)
	case stored.OverallHash == overall:
		result.Kind = model.ChangeUnchanged
	default:
		result.Kind = model.ChangeModified
		result.ChangedFields, result.RemovedFields = diff(stored.FieldHashes, fields)
	}
	return result
}

// Batch classifies one chunk. seen holds the keys already consumed by the
// run and is extended with the chunk's keys; a key that appears twice in a
// run fails the whole chunk with ErrDuplicateKeyInBatch.
func Batch(records []model.Record, stored map[string]*model.Fingerprint, seen map[string]int64) ([]model.Classification, error) {
	inChunk := make(map[string]int64, len(records))
	for _, rec := range records {
		key := hasher.NormalizeKey(rec.Key)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("key %q at rows %d and %d: %w", key, prev, rec.Offset, appErr.ErrDuplicateKeyInBatch)
		}
		if prev, ok := inChunk[key]; ok {
			return nil, fmt.Errorf("key %q at rows %d and %d: %w", key, prev, rec.Offset, appErr.ErrDuplicateKeyInBatch)
		}
		inChunk[key] = rec.Offset
	}
	result := make([]model.Classification, 0, len(records))
	for _, rec := range records {
		result = append(result, Classify(rec, stored[hasher.NormalizeKey(rec.Key)]))
	}
	for key, offset := range inChunk {
		seen[key] = offset
	}
	return result, nil
}

func diff(old, current map[string]string) ([]string, []string) {
	changed := make([]string, 0)
	for name, hash := range current {
		if old[name] != hash {
			changed = append(changed, name)
		}
	}
	removed := missingFrom(old, current)
	changed = append(changed, removed...)
	sort.Strings(changed)
	return changed, removed
}

func missingFrom(old, current map[string]string) []string {
	removed := make([]string, 0)
	for name := range old {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
