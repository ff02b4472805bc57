package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/metrics"
	"github.com/ChuLiYu/transqueue/internal/processor"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const doc = "First paragraph about queues.\n\nSecond paragraph about chunks.\n\nThird paragraph about merging."

func newScheduler(store jobstore.Store, tr translator.Translator) *scheduler.Scheduler {
	proc := processor.New(tr, processor.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})
	dec := extract.NewTextDecomposer(extract.Options{MaxBytes: 40})
	return scheduler.New(store, dec, proc, scheduler.DefaultConfig())
}

func testConfig() Config {
	return Config{
		Workers:          2,
		DispatchInterval: 10 * time.Millisecond,
		StatsInterval:    10 * time.Millisecond,
	}
}

func spec(name string) types.JobSpec {
	return types.JobSpec{
		Name:      name,
		SourceRef: extract.InlinePrefix + doc,
		Languages: types.LanguagePair{Source: "en", Target: "fr"},
	}
}

// waitForStatus 等待任務進入指定狀態
func waitForStatus(t *testing.T, s *scheduler.Scheduler, id types.JobID, want types.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := s.GetStatus(context.Background(), id)
		return err == nil && view.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
}

// ============================================================================
// Tests
// ============================================================================

func TestControllerRunsSubmittedJobs(t *testing.T) {
	store := jobstore.NewMemory()
	defer store.Close()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	sched := newScheduler(store, translator.NewStub())
	ctrl := New(sched, store, testConfig(), WithMetrics(m))
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	var ids []types.JobID
	for i := 0; i < 5; i++ {
		id, err := ctrl.Submit(context.Background(), spec(fmt.Sprintf("doc-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, sched, id, types.StatusCompleted)
	}

	result, err := sched.GetResult(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Contains(t, result.Text(), "[fr] First paragraph")

	status, err := ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status["workers"])
	assert.Equal(t, 5, status["completed"])
}

func TestControllerStartTwice(t *testing.T) {
	store := jobstore.NewMemory()
	ctrl := New(newScheduler(store, translator.NewStub()), store, testConfig())
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()
	assert.Error(t, ctrl.Start(context.Background()))
}

func TestStopInterruptsAndRestartResumes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// 第一個行程：分塊翻譯卡住直到關閉
	store, err := walstore.Open(dir, walstore.Options{})
	require.NoError(t, err)
	started := make(chan struct{}, 16)
	blocking := translator.Func(func(ctx context.Context, req translator.Request) (translator.Response, error) {
		if req.Index == 0 {
			return translator.Response{Text: "[fr] done before crash", Quality: 1}, nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return translator.Response{}, translator.Transient(ctx.Err())
	})
	sched := newScheduler(store, blocking)
	ctrl := New(sched, store, testConfig())
	require.NoError(t, ctrl.Start(ctx))

	id, err := ctrl.Submit(ctx, spec("interrupted"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	require.Eventually(t, func() bool {
		view, err := sched.GetStatus(ctx, id)
		return err == nil && view.CompletedChunks == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Stop())
	view, err := sched.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, view.Status)
	require.NoError(t, store.Close())

	// 第二個行程：從快照 + WAL 恢復並完成
	store2, err := walstore.Open(dir, walstore.Options{})
	require.NoError(t, err)
	defer store2.Close()
	stub := translator.NewStub()
	sched2 := newScheduler(store2, stub)
	ctrl2 := New(sched2, store2, testConfig())
	require.NoError(t, ctrl2.Start(ctx))
	defer ctrl2.Stop()

	assert.Equal(t, 1, ctrl2.Recovery().Resumed)
	waitForStatus(t, sched2, id, types.StatusCompleted)
	assert.Zero(t, stub.Calls(0), "chunk committed before the crash is not re-translated")

	merged, err := sched2.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "[fr] done before crash", merged.Blocks[0].Text)
}

func TestFinalCheckpointOnStop(t *testing.T) {
	dir := t.TempDir()
	store, err := walstore.Open(dir, walstore.Options{})
	require.NoError(t, err)
	defer store.Close()

	ctrl := New(newScheduler(store, translator.NewStub()), store, testConfig())
	require.NoError(t, ctrl.Start(context.Background()))
	id, err := ctrl.Submit(context.Background(), spec("snap"))
	require.NoError(t, err)
	waitForStatus(t, ctrl.Scheduler(), id, types.StatusCompleted)
	require.NoError(t, ctrl.Stop())

	_, err = os.Stat(filepath.Join(dir, "snapshot.json"))
	assert.NoError(t, err)
}

func TestCleanupLoop(t *testing.T) {
	store := jobstore.NewMemory()
	defer store.Close()
	sched := newScheduler(store, translator.NewStub())

	cfg := testConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.CleanupAge = time.Nanosecond
	ctrl := New(sched, store, cfg)
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	id, err := ctrl.Submit(context.Background(), spec("ephemeral"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := sched.GetStatus(context.Background(), id)
		return err != nil
	}, 5*time.Second, 5*time.Millisecond, "completed job is eventually cleaned up")
}

func TestStopIsIdempotent(t *testing.T) {
	store := jobstore.NewMemory()
	ctrl := New(newScheduler(store, translator.NewStub()), store, testConfig())
	assert.NoError(t, ctrl.Stop(), "stop before start")
	require.NoError(t, ctrl.Start(context.Background()))
	assert.NoError(t, ctrl.Stop())
	assert.NoError(t, ctrl.Stop())
}

// retryChain 依 RetryOf 串起的任務，依 RetryCount 排序
func retryChain(t *testing.T, store jobstore.Store) []*types.Job {
	t.Helper()
	jobs, err := store.List(context.Background(), types.JobFilter{})
	require.NoError(t, err)
	chain := make([]*types.Job, len(jobs))
	for _, j := range jobs {
		require.Less(t, j.RetryCount, len(jobs))
		chain[j.RetryCount] = j
	}
	return chain
}

func TestFailedJobIsRetriedAutomatically(t *testing.T) {
	store := jobstore.NewMemory()
	defer store.Close()

	// 第二個分塊前兩次執行都永久失敗，第三次成功
	var failures atomic.Int32
	stub := translator.NewStub()
	flaky := translator.Func(func(ctx context.Context, req translator.Request) (translator.Response, error) {
		if req.Index == 1 && failures.Load() < 2 {
			failures.Add(1)
			return translator.Response{}, translator.Permanent(errors.New("unsupported glyph"))
		}
		return stub.Translate(ctx, req)
	})

	sched := newScheduler(store, flaky)
	ctrl := New(sched, store, testConfig())
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	id, err := ctrl.Submit(context.Background(), spec("flaky"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		jobs, err := store.List(context.Background(), types.JobFilter{Statuses: []types.JobStatus{types.StatusCompleted}})
		return err == nil && len(jobs) == 1
	}, 5*time.Second, 5*time.Millisecond)

	chain := retryChain(t, store)
	require.Len(t, chain, 3)
	assert.Equal(t, id, chain[0].ID)
	assert.Equal(t, types.StatusFailed, chain[0].Status)
	assert.Equal(t, types.ErrorKindChunkFailures, chain[0].ErrorKind)
	assert.Equal(t, types.StatusFailed, chain[1].Status)
	assert.Equal(t, chain[0].ID, chain[1].RetryOf)
	assert.Equal(t, types.StatusCompleted, chain[2].Status)
	assert.Equal(t, chain[1].ID, chain[2].RetryOf)
	assert.Equal(t, 3, chain[2].MaxRetries)
}

func TestAutomaticRetryStopsAtMaxRetries(t *testing.T) {
	store := jobstore.NewMemory()
	defer store.Close()

	broken := translator.Func(func(ctx context.Context, req translator.Request) (translator.Response, error) {
		return translator.Response{}, translator.Permanent(errors.New("model offline"))
	})
	sched := newScheduler(store, broken)
	ctrl := New(sched, store, testConfig())
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	one := 1
	s := spec("doomed")
	s.MaxRetries = &one
	_, err := ctrl.Submit(context.Background(), s)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		jobs, err := store.List(context.Background(), types.JobFilter{Statuses: []types.JobStatus{types.StatusFailed}})
		return err == nil && len(jobs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	// 額度用完後不再產生新任務
	time.Sleep(100 * time.Millisecond)
	chain := retryChain(t, store)
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[1].RetryCount)
	assert.False(t, chain[1].AutoRetryable())

	zero := 0
	s.MaxRetries = &zero
	id, err := ctrl.Submit(context.Background(), s)
	require.NoError(t, err)
	waitForStatus(t, sched, id, types.StatusFailed)
	time.Sleep(100 * time.Millisecond)
	jobs, err := store.List(context.Background(), types.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 3, "max_retries 0 disables automatic retry")
}
