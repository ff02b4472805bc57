// ============================================================================
// Worker Pool - 任務並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() / Results() - 讀取結果
//   5. Stop() - 通知 Worker 停止，等待全部退出後關閉 resultCh
//
// 並發控制:
//   - outstanding: 已提交但未執行完的任務數，Available() = workers - outstanding
//   - taskCh 永不關閉；Submit 與 Stop 以 stopCh 協調，不會 send on closed channel
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// Controller 只在 Available() > 0 時認領新任務，因此「已認領但沒有 Worker」
// 的任務最多只有 Stop 當下留在 taskCh 的那些；它們維持 QUEUED，下次啟動時恢復。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	run      Runner
	logger   *slog.Logger
	wg       sync.WaitGroup

	outstanding atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
}

// PoolOption 設定選項
type PoolOption func(*Pool)

// WithLogger 注入 logger
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - run: 任務執行函式
func NewPool(bufferSize int, run Runner, opts ...PoolOption) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	p := &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		run:      run,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker_pool")
	return p
}

// Start 啟動指定數量的 Worker
//
// 參數：
//   - ctx: 傳給每個任務的 context，取消時執行中的任務應盡快返回
//   - workerCount: 要啟動的 Worker 數量
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務；taskCh 已滿時阻塞直到有空間或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.outstanding.Add(1)
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		p.outstanding.Add(-1)
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results 結果通道；Stop 後關閉
func (p *Pool) Results() <-chan Result { return p.resultCh }

// Available 目前可以再接多少任務而不必排隊
func (p *Pool) Available() int {
	p.mu.Lock()
	n := len(p.workers)
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return 0
	}
	free := n - int(p.outstanding.Load())
	if free < 0 {
		return 0
	}
	return free
}

// Busy 已提交但尚未完成的任務數
func (p *Pool) Busy() int { return int(p.outstanding.Load()) }

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌，之後的 Submit 回傳 ErrPoolClosed
//  2. 關閉 stopCh，Worker 完成目前任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)

	if left := len(p.taskCh); left > 0 {
		p.logger.Info("tasks left unexecuted at shutdown", "count", left)
	}
	p.logger.Info("worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
