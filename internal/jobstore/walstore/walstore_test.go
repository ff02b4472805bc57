package walstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/jobstore/storetest"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

func open(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, opts)
	require.NoError(t, err)
	return s
}

func TestStoreBehaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobstore.Store {
		s := open(t, t.TempDir(), Options{})
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestRecoverFromWAL 未做快照時，重啟後完全由 WAL 重建
func TestRecoverFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir, Options{})
	require.NoError(t, s.Create(ctx, storetest.NewJob("a", 0)))
	require.NoError(t, s.Create(ctx, storetest.NewJob("b", 0)))

	job, err := s.Get(ctx, "a")
	require.NoError(t, err)
	job.Status = types.StatusRunning
	job.CompletedChunks = 1
	_, err = s.CommitChunk(ctx, job, job.Version, types.ChunkResult{Index: 0, Status: types.ChunkSuccess, Text: "hallo"})
	require.NoError(t, err)
	require.NoError(t, s.PutResult(ctx, "a", types.ChunkResult{Index: 1, Status: types.ChunkRetried}))
	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Close())

	r := open(t, dir, Options{})
	defer r.Close()

	info := r.Recovered()
	assert.Equal(t, 5, info.Replayed)
	assert.Equal(t, 1, info.Jobs)

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 1, got.CompletedChunks)

	results, err := r.Results(ctx, "a")
	require.NoError(t, err)
	require.Len(t, results, 2, "buffered interim result is flushed by the next forced append")
	assert.Equal(t, "hallo", results[0].Text)

	_, err = r.Get(ctx, "b")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

// TestCheckpoint 快照後只重放之後的事件
func TestCheckpoint(t *testing.T) {
	for _, compress := range []bool{false, true} {
		ctx := context.Background()
		dir := t.TempDir()
		opts := Options{KeepBackups: 2, CompressSnapshots: compress}

		s := open(t, dir, opts)
		require.NoError(t, s.Create(ctx, storetest.NewJob("a", 0)))
		require.NoError(t, s.PutResult(ctx, "a", types.ChunkResult{Index: 0, Status: types.ChunkSuccess, Text: "x"}))
		require.NoError(t, s.Checkpoint(ctx))

		require.NoError(t, s.Create(ctx, storetest.NewJob("b", 0)))
		require.NoError(t, s.Close())

		r := open(t, dir, opts)
		info := r.Recovered()
		assert.Equal(t, uint64(2), info.SnapshotSeq)
		assert.Equal(t, 1, info.Replayed)
		assert.Equal(t, 2, info.Jobs)

		results, err := r.Results(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, results, 1)

		// 新寫入的序號接續在快照之後
		require.NoError(t, r.Create(ctx, storetest.NewJob("c", 0)))
		require.NoError(t, r.Close())

		again := open(t, dir, opts)
		assert.Equal(t, 3, again.Recovered().Jobs)
		require.NoError(t, again.Close())
	}
}

func TestClosedStore(t *testing.T) {
	s := open(t, t.TempDir(), Options{})
	require.NoError(t, s.Close())
	assert.Error(t, s.Create(context.Background(), storetest.NewJob("a", 0)))
}

// TestReopenAfterCheckpointWithEmptyWAL 快照後 WAL 為空時，新事件序號仍接續快照
func TestReopenAfterCheckpointWithEmptyWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := open(t, dir, Options{})
	require.NoError(t, s.Create(ctx, storetest.NewJob("a", 0)))
	require.NoError(t, s.Checkpoint(ctx))
	require.NoError(t, s.Close())

	r := open(t, dir, Options{})
	require.NoError(t, r.Create(ctx, storetest.NewJob("b", 0)))
	require.NoError(t, r.Close())

	again := open(t, dir, Options{})
	defer again.Close()
	assert.Equal(t, 2, again.Recovered().Jobs)
}
