// Package storetest 提供所有 jobstore.Store 實作共用的行為測試
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// Factory 每個子測試建立一個新的空儲存
type Factory func(t *testing.T) jobstore.Store

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewJob 建立測試用任務
func NewJob(id string, offset time.Duration) *types.Job {
	return &types.Job{
		ID:        types.JobID(id),
		Name:      "doc " + id,
		SourceRef: "text:hello",
		Languages: types.LanguagePair{Source: "en", Target: "de"},
		Priority:  types.PriorityNormal,
		Status:    types.StatusPending,
		Metadata:  map[string]string{"team": "docs"},
		CreatedAt: base.Add(offset),
		UpdatedAt: base.Add(offset),
	}
}

// Run 執行整組行為測試
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCAS(t, newStore(t)) })
	t.Run("ConcurrentMutate", func(t *testing.T) { testConcurrentMutate(t, newStore(t)) })
	t.Run("ListFilterAndOrder", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Results", func(t *testing.T) { testResults(t, newStore(t)) })
	t.Run("CommitChunk", func(t *testing.T) { testCommitChunk(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	scheduled := base.Add(time.Hour)
	job := NewJob("a", 0)
	job.ScheduledAt = &scheduled

	require.NoError(t, s.Create(ctx, job))
	assert.Equal(t, int64(1), job.Version)
	assert.ErrorIs(t, s.Create(ctx, NewJob("a", 0)), jobstore.ErrDuplicateJob)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "de", got.Languages.Target)
	assert.Equal(t, "docs", got.Metadata["team"])
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(scheduled))
	assert.True(t, got.CreatedAt.Equal(base))

	got.Metadata["team"] = "changed"
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "docs", again.Metadata["team"], "returned jobs are copies")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func testCAS(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", 0)))

	job, err := s.Get(ctx, "a")
	require.NoError(t, err)
	job.Status = types.StatusQueued

	stored, err := s.CompareAndSwap(ctx, job, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, types.StatusQueued, stored.Status)

	// 舊版本寫入失敗
	job.Status = types.StatusCancelled
	_, err = s.CompareAndSwap(ctx, job, 1)
	assert.ErrorIs(t, err, jobstore.ErrVersionConflict)

	current, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, current.Status)

	_, err = s.CompareAndSwap(ctx, NewJob("missing", 0), 1)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func testConcurrentMutate(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", 0)))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := jobstore.Mutate(ctx, s, "a", func(j *types.Job) error {
				j.CompletedChunks++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	job, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, writers, job.CompletedChunks, "no lost updates")
	assert.Equal(t, int64(1+writers), job.Version)

	abort, wrote, err := jobstore.Mutate(ctx, s, "a", func(*types.Job) error { return jobstore.ErrAbort })
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, job.Version, abort.Version)

	boom := errors.New("boom")
	_, _, err = jobstore.Mutate(ctx, s, "a", func(*types.Job) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func testList(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	for i, st := range []types.JobStatus{types.StatusPending, types.StatusCompleted, types.StatusPending, types.StatusFailed} {
		job := NewJob(fmt.Sprintf("job-%d", i), time.Duration(3-i)*time.Minute)
		job.Status = st
		require.NoError(t, s.Create(ctx, job))
	}

	all, err := s.List(ctx, types.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, types.JobID("job-3"), all[0].ID, "oldest first")
	assert.Equal(t, types.JobID("job-0"), all[3].ID)

	pending, err := s.List(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.JobID("job-2"), pending[0].ID)

	terminal, err := s.List(ctx, types.JobFilter{
		Statuses: []types.JobStatus{types.StatusCompleted, types.StatusFailed},
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, types.JobID("job-3"), terminal[0].ID)
}

func testResults(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", 0)))

	require.NoError(t, s.PutResult(ctx, "a", types.ChunkResult{Index: 1, Status: types.ChunkRetried, Attempts: 1}))
	require.NoError(t, s.PutResult(ctx, "a", types.ChunkResult{Index: 0, Status: types.ChunkSuccess, Text: "eins", Quality: 0.9}))
	require.NoError(t, s.PutResult(ctx, "a", types.ChunkResult{Index: 1, Status: types.ChunkFailed, Error: "bad", ErrorKind: types.ErrorKindPermanent}))

	results, err := s.Results(ctx, "a")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "eins", results[0].Text)
	assert.Equal(t, types.ChunkFailed, results[1].Status, "latest result per index wins")
	assert.Equal(t, types.ErrorKindPermanent, results[1].ErrorKind)

	assert.ErrorIs(t, s.PutResult(ctx, "missing", types.ChunkResult{}), jobstore.ErrJobNotFound)
}

func testCommitChunk(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", 0)))

	job, err := s.Get(ctx, "a")
	require.NoError(t, err)
	job.CompletedChunks = 1
	stored, err := s.CommitChunk(ctx, job, job.Version, types.ChunkResult{Index: 0, Status: types.ChunkSuccess, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)

	// 版本衝突時結果也不寫入
	job.CompletedChunks = 2
	_, err = s.CommitChunk(ctx, job, 1, types.ChunkResult{Index: 1, Status: types.ChunkSuccess, Text: "y"})
	assert.ErrorIs(t, err, jobstore.ErrVersionConflict)

	results, err := s.Results(ctx, "a")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Index)
}

func testDelete(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", 0)))
	require.NoError(t, s.PutResult(ctx, "a", types.ChunkResult{Index: 0, Status: types.ChunkSuccess}))

	require.NoError(t, s.Delete(ctx, "a"))
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
	_, err = s.Results(ctx, "a")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "a"), jobstore.ErrJobNotFound)

	// 同 ID 可重新建立，且沒有殘留結果
	require.NoError(t, s.Create(ctx, NewJob("a", 0)))
	results, err := s.Results(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, results)
}
