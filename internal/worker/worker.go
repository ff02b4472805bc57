// ============================================================================
// Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 Worker 是一個獨立的 goroutine，一次執行一個完整任務
//
// 執行模型:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for {                        │   │
//   │  │   select task / stop         │   │
//   │  │   ├─ runner(ctx, task)       │   │
//   │  │   └─ send result to resultCh │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// 取消:
//   ctx 由 Pool.Start 傳入，行程關閉時取消；runner 負責在 ctx 結束後
//   盡快返回（scheduler.Run 會回傳 ErrInterrupted，任務保持 RUNNING）。
//
// 錯誤處理:
//   - runner 回傳的錯誤封裝在 Result 中
//   - runner panic 會被攔截並轉為 Result.Error，Worker 繼續執行下一個任務
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker 工作執行單元
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	run      Runner
	logger   *slog.Logger
	onDone   func()
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		stopCh:   p.stopCh,
		run:      p.run,
		logger:   p.logger.With("worker", id),
		onDone:   func() { p.outstanding.Add(-1) },
	}
}

// Run Worker 主循環，直到 stopCh 關閉
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(ctx, task)
			w.onDone()

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				// 關閉中沒有人讀取結果；任務狀態已在 store 中
				return
			}
		}
	}
}

// execute 執行單一任務並攔截 panic
func (w *Worker) execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	result.JobID = task.JobID
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("runner panicked", "job_id", task.JobID, "panic", fmt.Sprint(r))
			result.Error = fmt.Errorf("worker %d: runner panic: %v", w.id, r)
			result.Status = ""
		}
		result.Duration = time.Since(start)
	}()

	w.logger.Debug("task started", "job_id", task.JobID, "resume", task.Resume)
	result.Status, result.Error = w.run(ctx, task)
	return result
}
