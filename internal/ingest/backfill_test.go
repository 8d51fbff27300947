package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/glossary-ingest/internal/repo"
)

func TestBackfillerEmbedsMissingTerms(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(h.writeCSV("g.csv", sampleRows(3)...), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(0), h.count("term_embeddings"))

	emb := &fakeEmbedder{}
	b := NewBackfiller(repo.NewTermEmbeddingRepo(h.db), emb)
	n, err := b.Run(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = b.Run(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = b.Run(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int64(3), h.count("term_embeddings"))
}

func TestBackfillerSkipsFailures(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(h.writeCSV("g.csv", sampleRows(2)...), Options{})
	require.NoError(t, err)

	b := NewBackfiller(repo.NewTermEmbeddingRepo(h.db), &fakeEmbedder{err: errors.New("quota")})
	n, err := b.Run(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = NewBackfiller(repo.NewTermEmbeddingRepo(h.db), nil).Run(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, n)
}
