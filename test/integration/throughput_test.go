// ============================================================================
// 吞吐量與並發上限
// ============================================================================
//
// TestSystemThroughput:
//   100 個任務、每個 5 個分塊，翻譯每次耗時 2ms：
//   - 全部完成
//   - 同時進行的翻譯呼叫不超過全域上限
//
// BenchmarkSubmitAndRun:
//   單一行程內提交並完成任務的速率
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// concurrencyRecorder 記錄同時進行中的翻譯呼叫峰值
type concurrencyRecorder struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
	delay    time.Duration
}

func (r *concurrencyRecorder) Translate(ctx context.Context, req translator.Request) (translator.Response, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	r.calls.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return translator.Response{}, translator.Transient(ctx.Err())
	}
	return translator.Response{Text: "[" + req.Languages.Target + "] " + req.Text, Quality: 1}, nil
}

func TestSystemThroughput(t *testing.T) {
	const (
		totalJobs  = 100
		paragraphs = 5
	)
	store := jobstore.NewMemory()
	defer store.Close()

	rec := &concurrencyRecorder{delay: 2 * time.Millisecond}
	s := newStack(store, rec, 4)
	ctx := context.Background()
	require.NoError(t, s.ctrl.Start(ctx))
	defer s.ctrl.Stop()

	startTime := time.Now()
	for i := 0; i < totalJobs; i++ {
		_, err := s.ctrl.Submit(ctx, docSpec(fmt.Sprintf("perf-%d", i), paragraphs))
		require.NoError(t, err)
	}
	waitAllTerminal(t, s.sched, totalJobs, 60*time.Second)
	elapsed := time.Since(startTime)

	stats, err := s.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, totalJobs, stats[string(types.StatusCompleted)])
	assert.EqualValues(t, totalJobs*paragraphs, rec.calls.Load())

	limit := int64(s.sched.Config().GlobalConcurrency)
	assert.LessOrEqual(t, rec.peak.Load(), limit, "global chunk concurrency is bounded")

	t.Logf("=== Throughput ===")
	t.Logf("jobs: %d, chunks: %d, elapsed: %v", totalJobs, totalJobs*paragraphs, elapsed)
	t.Logf("throughput: %.1f jobs/s, peak in-flight translations: %d", float64(totalJobs)/elapsed.Seconds(), rec.peak.Load())
}

func BenchmarkSubmitAndRun(b *testing.B) {
	store := jobstore.NewMemory()
	defer store.Close()
	s := newStack(store, translator.NewStub(), 8)
	ctx := context.Background()
	require.NoError(b, s.ctrl.Start(ctx))
	defer s.ctrl.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := s.ctrl.Submit(ctx, docSpec(fmt.Sprintf("bench-%d", i), 3))
		require.NoError(b, err)
	}
	waitAllTerminal(b, s.sched, b.N, time.Minute)
	b.StopTimer()
}
