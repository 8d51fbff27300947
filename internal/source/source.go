// Package source streams glossary rows from CSV or JSON Lines files held
// locally or in S3.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/xxxsen/glossary-ingest/internal/filestore"
	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

// Descriptor identifies one exact version of a source file.
type Descriptor struct {
	Path   string `json:"path"`
	Hash   string `json:"hash"`
	Rows   int64  `json:"rows"`
	Format Format `json:"format"`
}

// SourceID ties ledger entries to both the location and the content, so a
// rewritten file is a different source.
func (d *Descriptor) SourceID() string {
	return d.Path + "#" + d.Hash
}

type Reader interface {
	// Next returns the next record or io.EOF. A *RowError leaves the reader
	// positioned after the bad row.
	Next() (model.Record, error)
	// Skip advances past n rows and returns the keys it passed over mapped
	// to their offsets. Malformed rows are skipped silently.
	Skip(n int64) (map[string]int64, error)
	// Offset is the offset of the row Next will return.
	Offset() int64
	// Hash is the hex SHA-256 of the bytes read so far. It covers the whole
	// source once Next has returned io.EOF.
	Hash() string
	Close() error
}

type ISource interface {
	Inspect(ctx context.Context, location string) (*Descriptor, error)
	Open(ctx context.Context, location string, schema Schema) (Reader, error)
}

type Source struct {
	store filestore.Store
}

func New(store filestore.Store) *Source {
	return &Source{store: store}
}

// Inspect reads the whole source once, hashing it and counting data rows
// the same way a Reader would.
func (s *Source) Inspect(ctx context.Context, location string) (*Descriptor, error) {
	format, err := DetectFormat(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, appErr.ErrSourceUnreadable)
	}
	rc, err := s.store.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", location, err, appErr.ErrSourceUnreadable)
	}
	defer rc.Close()

	h := sha256.New()
	tee := io.TeeReader(rc, h)
	dec, err := newDecoder(format, tee)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", location, err, appErr.ErrSourceUnreadable)
	}
	var rows int64
	for {
		_, err := dec.next(rows)
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *RowError
		if err != nil && !errors.As(err, &rowErr) {
			return nil, fmt.Errorf("read %s: %w: %w", location, err, appErr.ErrSourceUnreadable)
		}
		rows++
	}
	// the decoder may stop before the last bytes, e.g. trailing blank lines
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", location, err, appErr.ErrSourceUnreadable)
	}
	return &Descriptor{
		Path:   location,
		Hash:   hex.EncodeToString(h.Sum(nil)),
		Rows:   rows,
		Format: format,
	}, nil
}

func (s *Source) Open(ctx context.Context, location string, schema Schema) (Reader, error) {
	format, err := DetectFormat(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, appErr.ErrSourceUnreadable)
	}
	rc, err := s.store.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", location, err, appErr.ErrSourceUnreadable)
	}
	h := sha256.New()
	tee := io.TeeReader(rc, h)
	dec, err := newDecoder(format, tee)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("read %s: %w: %w", location, err, appErr.ErrSourceUnreadable)
	}
	compiled := schema.compile()
	if csvDec, ok := dec.(*csvDecoder); ok && !csvDec.hasColumn(compiled.key) {
		_ = rc.Close()
		return nil, fmt.Errorf("key column %q not in header of %s: %w", compiled.key, location, appErr.ErrSourceUnreadable)
	}
	return &reader{closer: rc, tee: tee, hash: h, dec: dec, schema: compiled}, nil
}

type reader struct {
	closer io.Closer
	tee    io.Reader
	hash   hash.Hash
	dec    rowDecoder
	schema compiledSchema
	offset int64
}

func (r *reader) Next() (model.Record, error) {
	offset := r.offset
	row, err := r.dec.next(offset)
	if errors.Is(err, io.EOF) {
		// hash the bytes the decoder left behind, as Inspect does
		if _, err := io.Copy(io.Discard, r.tee); err != nil {
			return model.Record{}, err
		}
		return model.Record{}, io.EOF
	}
	var rowErr *RowError
	if err != nil && !errors.As(err, &rowErr) {
		return model.Record{}, err
	}
	r.offset++
	if err != nil {
		return model.Record{}, err
	}
	return r.schema.toRecord(offset, row)
}

func (r *reader) Skip(n int64) (map[string]int64, error) {
	keys := make(map[string]int64, n)
	for r.offset < n {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return keys, nil
		}
		if err != nil {
			if errors.Is(err, appErr.ErrMalformedRow) {
				continue
			}
			return nil, err
		}
		keys[rec.Key] = rec.Offset
	}
	return keys, nil
}

func (r *reader) Offset() int64 {
	return r.offset
}

func (r *reader) Hash() string {
	return hex.EncodeToString(r.hash.Sum(nil))
}

func (r *reader) Close() error {
	return r.closer.Close()
}
