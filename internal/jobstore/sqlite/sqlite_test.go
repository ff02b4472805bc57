package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/jobstore/storetest"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

func TestStoreBehaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobstore.Store {
		s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	s, err := Open(path)
	require.NoError(t, err)
	job := storetest.NewJob("a", 0)
	require.NoError(t, s.Create(ctx, job))
	job.Status = types.StatusRunning
	_, err = s.CommitChunk(ctx, job, 1, types.ChunkResult{Index: 0, Status: types.ChunkSuccess, Text: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, map[string]int{"running": 1}, r.Stats())

	results, err := r.Results(ctx, "a")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].Text)
}
