// ============================================================================
// transqueue 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 串起 Scheduler、Job Store 與 Worker Pool，負責啟動恢復與背景循環
//
// 架構設計:
//   - Scheduler: 任務狀態轉換、分塊執行（所有寫入經由 jobstore CAS）
//   - Job Store: memory / wal / sqlite，WAL 版本支援 Checkpoint
//   - WorkerPool: 每個 Worker 一次執行一個 scheduler.Run
//
// 核心循環 (最多 5 個並發 Goroutine):
//   1. Dispatch Loop - 有空閒 Worker 時認領下一個可執行任務
//   2. Result Loop - 接收 Worker 結果並記錄，失敗任務依 MaxRetries 自動重試，
//      釋放出的 Worker 立即觸發調度
//   3. Cleanup Loop - 定期刪除過舊的終止任務
//   4. Snapshot Loop - 定期 Checkpoint（僅限支援的 store）
//   5. Stats Loop - 定期更新各狀態任務數指標
//
// 崩潰恢復流程:
//   Start() 時：
//   1. store 開啟時已完成 snapshot + WAL 重放（walstore.Open）
//   2. scheduler.Recover() 找出 RUNNING / QUEUED 任務
//   3. 這些任務優先於新任務交給 Worker，已成功的分塊不會重跑
//
// 關閉順序:
//  1. close(stopCh) → dispatch / cleanup / snapshot / stats 循環退出
//  2. 取消執行 context → 執行中的任務在下一個等待點返回 ErrInterrupted
//  3. pool.Stop() → 等待 Worker 結束，關閉 resultCh，result 循環退出
//  4. 最後一次 Checkpoint
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/transqueue/internal/aggregator"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/metrics"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/worker"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Workers          int           // 同時執行的任務數
	DispatchInterval time.Duration // 沒有喚醒訊號時的輪詢間隔（也用來發現到期的排程任務）
	CleanupInterval  time.Duration // 清理間隔，0 表示停用
	CleanupAge       time.Duration // 終止超過多久的任務會被刪除
	SnapshotInterval time.Duration // Checkpoint 間隔，0 表示停用
	StatsInterval    time.Duration // 指標更新間隔
}

// DefaultConfig 預設值
func DefaultConfig() Config {
	return Config{
		Workers:          2,
		DispatchInterval: 200 * time.Millisecond,
		CleanupInterval:  time.Hour,
		CleanupAge:       30 * 24 * time.Hour,
		SnapshotInterval: 30 * time.Second,
		StatsInterval:    5 * time.Second,
	}
}

// Controller 核心控制器
type Controller struct {
	cfg     Config
	sched   *scheduler.Scheduler
	store   jobstore.Store
	pool    *worker.Pool
	metrics *metrics.Collector
	logger  *slog.Logger

	wakeCh    chan struct{}
	stopCh    chan struct{}
	cancelRun context.CancelFunc
	loopWg    sync.WaitGroup

	mu        sync.Mutex
	backlog   []worker.Task // 恢復的任務，優先於新任務
	retried   map[types.JobID]struct{}
	started   bool
	stopped   bool
	startTime time.Time
	recovery  RecoveryReport
}

// RecoveryReport 啟動恢復摘要
type RecoveryReport struct {
	Duration    time.Duration `json:"duration"`
	Resumed     int           `json:"resumed"`
	SnapshotSeq uint64        `json:"snapshot_seq,omitempty"`
	Replayed    int           `json:"replayed,omitempty"`
}

// Option 設定選項
type Option func(*Controller)

// WithLogger 注入 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics 注入指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
//
// 參數：
//   - sched: 任務調度器
//   - store: 與 sched 共用的 Job Store（用於 Checkpoint 與恢復資訊）
//   - cfg: Controller 配置，零值欄位使用預設
func New(sched *scheduler.Scheduler, store jobstore.Store, cfg Config, opts ...Option) *Controller {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = d.DispatchInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = d.StatsInterval
	}

	c := &Controller{
		cfg:     cfg,
		sched:   sched,
		store:   store,
		logger:  slog.Default(),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		retried: make(map[types.JobID]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "controller")
	c.pool = worker.NewPool(cfg.Workers, c.runTask, worker.WithLogger(c.logger))
	return c
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：找出上次未完成的任務
//  2. 啟動階段：啟動 Worker Pool 和背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	// 1. 恢復階段
	c.logger.Info("starting recovery")
	start := time.Now()
	resume, err := c.sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	report := RecoveryReport{Resumed: len(resume)}
	if r, ok := c.store.(interface{ Recovered() walstore.RecoveryInfo }); ok {
		info := r.Recovered()
		report.SnapshotSeq = info.SnapshotSeq
		report.Replayed = info.Replayed
		report.Duration += info.Duration
	}
	report.Duration += time.Since(start)
	c.metrics.SetRecoveryTime(report.Duration.Seconds())
	if report.Duration > 3*time.Second {
		c.logger.Warn("recovery time exceeds 3s", "duration", report.Duration)
	}

	c.mu.Lock()
	c.recovery = report
	for _, j := range resume {
		c.backlog = append(c.backlog, worker.Task{JobID: j.ID, Resume: j.Status == types.StatusRunning})
	}
	c.mu.Unlock()

	c.logger.Info("recovery completed",
		"duration", report.Duration,
		"resumed_jobs", report.Resumed,
		"replayed_events", report.Replayed)

	// 2. 啟動 Worker Pool；執行 context 不繼承呼叫者的取消，只由 Stop 結束
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelRun = cancel
	if err := c.pool.Start(runCtx, c.cfg.Workers); err != nil {
		cancel()
		return fmt.Errorf("start worker pool: %w", err)
	}

	// 3. 啟動背景循環
	c.loopWg.Add(3)
	go c.dispatchLoop(runCtx)
	go c.resultLoop()
	go c.statsLoop(runCtx)
	if c.cfg.CleanupInterval > 0 && c.cfg.CleanupAge > 0 {
		c.loopWg.Add(1)
		go c.cleanupLoop(runCtx)
	}
	if cp, ok := c.store.(jobstore.Checkpointer); ok && c.cfg.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop(runCtx, cp)
	}

	c.Wake()
	c.logger.Info("controller started", "workers", c.cfg.Workers)
	return nil
}

// runTask Worker 執行的函式
func (c *Controller) runTask(ctx context.Context, task worker.Task) (types.JobStatus, error) {
	res, err := c.sched.Run(ctx, task.JobID)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

// Wake 要求 dispatch 循環立即檢查可執行任務
func (c *Controller) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 背景循環
// ============================================================================

// dispatchLoop 在有空閒 Worker 時認領任務
func (c *Controller) dispatchLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("dispatch loop stopped")
			return
		case <-ticker.C:
		case <-c.wakeCh:
		}
		// ticker 與 stop 同時就緒時，以 stop 為準
		select {
		case <-c.stopCh:
			c.logger.Debug("dispatch loop stopped")
			return
		default:
		}
		c.dispatch(ctx)
	}
}

func (c *Controller) dispatch(ctx context.Context) {
	for c.pool.Available() > 0 {
		task, ok := c.popBacklog()
		if !ok {
			job, err := c.sched.NextEligibleJob(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("claim next job failed", "error", err)
				}
				return
			}
			if job == nil {
				return
			}
			task = worker.Task{JobID: job.ID}
		}

		if err := c.pool.Submit(task); err != nil {
			// Pool 關閉中；任務維持 QUEUED / RUNNING，下次啟動恢復
			if !errors.Is(err, worker.ErrPoolClosed) {
				c.logger.Error("submit task failed", "job_id", task.JobID, "error", err)
			}
			return
		}
		c.logger.Debug("job dispatched", "job_id", task.JobID, "resume", task.Resume)
	}
}

func (c *Controller) popBacklog() (worker.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.backlog) == 0 {
		return worker.Task{}, false
	}
	t := c.backlog[0]
	c.backlog = c.backlog[1:]
	return t, true
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
		c.Wake()
	}
	c.logger.Debug("result loop stopped")
}

func (c *Controller) handleResult(result worker.Result) {
	switch {
	case errors.Is(result.Error, scheduler.ErrInterrupted):
		c.logger.Info("job interrupted", "job_id", result.JobID, "duration", result.Duration)
	case result.Error != nil:
		c.logger.Error("job run failed", "job_id", result.JobID, "error", result.Error)
	default:
		c.logger.Debug("job run finished",
			"job_id", result.JobID,
			"status", result.Status,
			"duration", result.Duration)
	}

	if errors.Is(result.Error, scheduler.ErrInterrupted) {
		return
	}
	if result.Error != nil || result.Status == types.StatusFailed {
		c.autoRetry(result.JobID)
	}
}

// autoRetry 失敗任務還有 MaxRetries 額度時建立重試任務；同一任務只重試一次
func (c *Controller) autoRetry(id types.JobID) {
	ctx := context.Background()
	job, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("load failed job for retry", "job_id", id, "error", err)
		return
	}
	if !job.AutoRetryable() {
		return
	}

	c.mu.Lock()
	if _, seen := c.retried[id]; seen {
		c.mu.Unlock()
		return
	}
	c.retried[id] = struct{}{}
	c.mu.Unlock()

	newID, err := c.sched.Retry(ctx, id)
	if err != nil {
		c.logger.Error("automatic retry failed", "job_id", id, "error", err)
		return
	}
	c.logger.Info("job retried automatically",
		"job_id", id,
		"retry_job_id", newID,
		"kind", job.ErrorKind,
		"retry", job.RetryCount+1,
		"max_retries", job.MaxRetries)
}

// cleanupLoop 定期刪除過舊的終止任務
func (c *Controller) cleanupLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if _, err := c.sched.Cleanup(ctx, c.cfg.CleanupAge); err != nil && ctx.Err() == nil {
				c.logger.Error("cleanup failed", "error", err)
			}
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop(ctx context.Context, cp jobstore.Checkpointer) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			if err := cp.Checkpoint(ctx); err != nil {
				c.logger.Error("checkpoint failed", "error", err)
				continue
			}
			c.logger.Debug("checkpoint taken", "duration", time.Since(start))
		}
	}
}

// statsLoop 定期更新任務數指標
func (c *Controller) statsLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	c.updateStats(ctx)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.updateStats(ctx)
		}
	}
}

func (c *Controller) updateStats(ctx context.Context) {
	stats, err := c.sched.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("collect job stats failed", "error", err)
		}
		return
	}
	c.metrics.UpdateJobStats(stats)
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 提交任務並喚醒調度
func (c *Controller) Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	id, err := c.sched.Submit(ctx, spec)
	if err != nil {
		return "", err
	}
	c.Wake()
	return id, nil
}

// Scheduler 回傳底層調度器
func (c *Controller) Scheduler() *scheduler.Scheduler { return c.sched }

// Recovery 回傳啟動恢復摘要
func (c *Controller) Recovery() RecoveryReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovery
}

// Retry 以失敗或取消的任務建立新任務並喚醒調度
func (c *Controller) Retry(ctx context.Context, id types.JobID) (types.JobID, error) {
	newID, err := c.sched.Retry(ctx, id)
	if err != nil {
		return "", err
	}
	c.Wake()
	return newID, nil
}

// 以下查詢直接委派給 Scheduler，讓 Controller 可以作為 API 後端

func (c *Controller) GetStatus(ctx context.Context, id types.JobID) (types.JobStatusView, error) {
	return c.sched.GetStatus(ctx, id)
}

func (c *Controller) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.JobSummary, error) {
	return c.sched.ListJobs(ctx, filter)
}

func (c *Controller) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	return c.sched.Cancel(ctx, id)
}

func (c *Controller) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return c.sched.Cleanup(ctx, olderThan)
}

func (c *Controller) GetResult(ctx context.Context, id types.JobID) (aggregator.Document, error) {
	return c.sched.GetResult(ctx, id)
}

// Status 取得系統狀態
func (c *Controller) Status(ctx context.Context) (map[string]any, error) {
	stats, err := c.sched.Stats(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	uptime := time.Duration(0)
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	backlog := len(c.backlog)
	c.mu.Unlock()

	status := map[string]any{
		"uptime":  uptime.Round(time.Millisecond).String(),
		"workers": c.cfg.Workers,
		"busy":    c.pool.Busy(),
		"backlog": backlog,
	}
	for k, v := range stats {
		status[k] = v
	}
	return status, nil
}

// Stop 優雅關閉 Controller
//
// 執行中的任務會在下一個等待點中斷並維持 RUNNING，下次 Start 時恢復。
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("stopping controller")

	close(c.stopCh)
	c.cancelRun()
	c.pool.Stop()
	c.loopWg.Wait()

	var err error
	if cp, ok := c.store.(jobstore.Checkpointer); ok {
		if cerr := cp.Checkpoint(context.Background()); cerr != nil {
			err = fmt.Errorf("final checkpoint: %w", cerr)
			c.logger.Error("final checkpoint failed", "error", cerr)
		}
	}

	c.logger.Info("controller stopped")
	return err
}
