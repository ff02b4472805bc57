// ============================================================================
// Job Scheduler - 任務調度與執行
// ============================================================================
//
// Package: internal/scheduler
// 功能: 決定下一個執行的任務，並把它的分塊送進 limiter + processor 直到結束
//
// 任務狀態轉換:
//   PENDING (待處理)
//      ↓ NextEligibleJob() CAS 認領
//   QUEUED (已認領)
//      ↓ Run()
//   RUNNING (執行中) ──重啟後 Recover() 恢復──┐
//      ↓                                     │
//   COMPLETED / FAILED / CANCELLED ←─────────┘
//
// 並發:
//   - 所有任務寫入經由 jobstore 的 CAS，無 lost update
//   - 每個分塊結果與任務計數在同一次 CommitChunk 中寫入
//   - 每個執行中任務一個 cancel.Token，傳給 limiter 等待、processor 重試與退避
//
// 結果政策:
//   COMPLETED 需至少一個分塊成功，且 failed/total <= FailureTolerance；
//   否則 FAILED（chunk_failures），已完成的部分仍可透過 GetResult 取得
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/transqueue/internal/aggregator"
	"github.com/ChuLiYu/transqueue/internal/cancel"
	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/limiter"
	"github.com/ChuLiYu/transqueue/internal/metrics"
	"github.com/ChuLiYu/transqueue/internal/processor"
	"github.com/ChuLiYu/transqueue/internal/progress"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 提交內容不合法
	ErrInvalidSpec = errors.New("invalid job spec")
	// 任務尚無可取得的結果
	ErrResultNotReady = errors.New("job result not ready")
	// 行程關閉中斷了執行中的任務；任務保持 RUNNING，下次啟動時恢復
	ErrInterrupted = errors.New("job interrupted by shutdown")
	// 只有 FAILED / CANCELLED 任務可以重試
	ErrNotRetryable = errors.New("job is not retryable")
	// 調度器內部錯誤；任務已標記為 FAILED
	ErrInternal = errors.New("scheduler internal error")
)

// 階段名稱
const (
	PhaseDecompose = "decompose"
	PhaseTranslate = "translate"
	PhaseMerge     = "merge"
	PhaseDone      = "done"
)

// Config 調度器設定
type Config struct {
	GlobalConcurrency int           // 所有任務共用的同時分塊上限
	JobConcurrency    int           // 單一任務預設的同時分塊上限（Job.Concurrency 可覆寫）
	FailureTolerance  float64       // 允許的永久失敗比例 [0, 1]
	ResumeInterrupted bool          // 重啟時恢復 RUNNING 任務；false 則標記 FAILED
	MaxRetries        int           // JobSpec 未指定時的自動重試上限
	JobTimeout        time.Duration // 單次執行的時間上限，超過即 FAILED（timeout）；0 不限制
}

// DefaultConfig 預設值
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 8,
		JobConcurrency:    4,
		FailureTolerance:  0,
		ResumeInterrupted: true,
		MaxRetries:        3,
	}
}

// JobResult Run 的回傳摘要
type JobResult struct {
	JobID      types.JobID     `json:"job_id"`
	Status     types.JobStatus `json:"status"`
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Missing    int             `json:"missing"`
	AvgQuality float64         `json:"avg_quality"`
	Partial    bool            `json:"partial"`
	ErrorKind  types.ErrorKind `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// activeJob 本行程中正在執行的任務
type activeJob struct {
	token   *cancel.Token
	tracker *progress.Tracker
}

// Scheduler 任務調度器
type Scheduler struct {
	cfg        Config
	store      jobstore.Store
	decomposer extract.Decomposer
	processor  *processor.Processor
	merger     *aggregator.Merger
	hub        *progress.Hub
	metrics    *metrics.Collector
	logger     *slog.Logger
	tracer     trace.Tracer
	validate   *validator.Validate
	global     *limiter.Limiter
	now        func() time.Time
	newID      func() types.JobID

	mu     sync.Mutex
	active map[types.JobID]*activeJob
}

// Option 設定選項
type Option func(*Scheduler)

// WithLogger 注入 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 注入指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithHub 注入進度 Hub
func WithHub(h *progress.Hub) Option {
	return func(s *Scheduler) { s.hub = h }
}

// WithMerger 替換結果合併器
func WithMerger(m *aggregator.Merger) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.merger = m
		}
	}
}

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替換任務 ID 產生器
func WithIDGenerator(gen func() types.JobID) Option {
	return func(s *Scheduler) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New 建立調度器
func New(store jobstore.Store, decomposer extract.Decomposer, proc *processor.Processor, cfg Config, opts ...Option) *Scheduler {
	d := DefaultConfig()
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = d.GlobalConcurrency
	}
	if cfg.JobConcurrency <= 0 {
		cfg.JobConcurrency = d.JobConcurrency
	}
	if cfg.FailureTolerance < 0 {
		cfg.FailureTolerance = 0
	}
	if cfg.FailureTolerance > 1 {
		cfg.FailureTolerance = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		decomposer: decomposer,
		processor:  proc,
		merger:     aggregator.New(aggregator.DefaultOptions()),
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/ChuLiYu/transqueue/internal/scheduler"),
		validate:   newValidator(),
		global:     limiter.New(cfg.GlobalConcurrency),
		now:        time.Now,
		newID:      func() types.JobID { return types.JobID(uuid.NewString()) },
		active:     make(map[types.JobID]*activeJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Config 回傳生效中的設定
func (s *Scheduler) Config() Config { return s.cfg }

// Hub 回傳進度 Hub（可能為 nil）
func (s *Scheduler) Hub() *progress.Hub { return s.hub }

// GlobalLimiter 回傳全域分塊限流器
func (s *Scheduler) GlobalLimiter() *limiter.Limiter { return s.global }

// ============================================================================
// Submit / 查詢
// ============================================================================

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 已註冊的優先級
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return types.Priority(fl.Field().Int()).Known()
	})
	return v
}

// Submit 驗證並建立 PENDING 任務；不會等待翻譯
//
// 錯誤處理：
//   - ErrInvalidSpec: 缺少來源、語言標籤不合法、來源與目標相同、未知優先級
func (s *Scheduler) Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	if spec.Priority == 0 {
		spec.Priority = types.PriorityNormal
	}
	if err := s.validate.Struct(spec); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidSpec, describeValidation(err))
	}

	maxRetries := s.cfg.MaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	now := s.now()
	job := &types.Job{
		ID:          s.newID(),
		Name:        spec.Name,
		SourceRef:   spec.SourceRef,
		Languages:   spec.Languages,
		Priority:    spec.Priority,
		ScheduledAt: spec.ScheduledAt,
		Concurrency: spec.Concurrency,
		MaxRetries:  maxRetries,
		Metadata:    spec.Metadata,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	s.metrics.RecordSubmitted()
	s.logger.Info("job submitted",
		"job_id", job.ID,
		"priority", job.Priority.String(),
		"languages", job.Languages.Source+"->"+job.Languages.Target)
	return job.ID, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := ""
	for i, fe := range verrs {
		if i > 0 {
			msgs += "; "
		}
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs += msg
	}
	return msgs
}

// GetStatus 回傳任務狀態
func (s *Scheduler) GetStatus(ctx context.Context, id types.JobID) (types.JobStatusView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return types.JobStatusView{}, err
	}
	return job.StatusView(), nil
}

// ListJobs 依建立時間列出任務
func (s *Scheduler) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.JobSummary, error) {
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]types.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

// Stats 各狀態的任務數
func (s *Scheduler) Stats(ctx context.Context) (map[string]int, error) {
	jobs, err := s.store.List(ctx, types.JobFilter{})
	if err != nil {
		return nil, err
	}
	stats := map[string]int{}
	for _, st := range []types.JobStatus{
		types.StatusPending, types.StatusQueued, types.StatusRunning,
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
	} {
		stats[string(st)] = 0
	}
	for _, j := range jobs {
		stats[string(j.Status)]++
	}
	return stats, nil
}

// GetResult 合併分塊結果
//
// COMPLETED 任務回傳完整文件；有分塊的 FAILED / CANCELLED 任務回傳 Partial 文件。
func (s *Scheduler) GetResult(ctx context.Context, id types.JobID) (aggregator.Document, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return aggregator.Document{}, err
	}
	switch {
	case job.Status == types.StatusCompleted:
	case (job.Status == types.StatusFailed || job.Status == types.StatusCancelled) && job.TotalChunks > 0:
	default:
		return aggregator.Document{}, fmt.Errorf("%w: job %s is %s", ErrResultNotReady, id, job.Status)
	}

	results, err := s.store.Results(ctx, id)
	if err != nil {
		return aggregator.Document{}, err
	}
	doc := s.merger.Merge(id, job.TotalChunks, results)
	if job.Status != types.StatusCompleted {
		doc.Partial = true
	}
	return doc, nil
}

// ============================================================================
// NextEligibleJob
// ============================================================================

// NextEligibleJob 以 CAS 認領下一個可執行的任務
//
// 排序：優先級高者先，同優先級依 CreatedAt、ID。ScheduledAt 未到的任務不列入。
// CAS 落敗代表任務已被其他呼叫者認領或取消，直接看下一個候選。
//
// 返回值：
//   - *types.Job: 已轉為 QUEUED 的任務；沒有可執行任務時為 nil
func (s *Scheduler) NextEligibleJob(ctx context.Context) (*types.Job, error) {
	pending, err := s.store.List(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusPending}})
	if err != nil {
		return nil, err
	}

	now := s.now()
	candidates := pending[:0]
	for _, j := range pending {
		if j.EligibleAt(now) {
			candidates = append(candidates, j)
		}
	}
	SortForDispatch(candidates)

	for _, cand := range candidates {
		next := cand.Clone()
		next.Status = types.StatusQueued
		next.UpdatedAt = now
		stored, err := s.store.CompareAndSwap(ctx, next, cand.Version)
		if errors.Is(err, jobstore.ErrVersionConflict) || errors.Is(err, jobstore.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Debug("job claimed", "job_id", stored.ID, "priority", stored.Priority.String())
		return stored, nil
	}
	return nil, nil
}

// SortForDispatch 依優先級降冪、CreatedAt 升冪、ID 升冪排序
func SortForDispatch(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ============================================================================
// Cancel / Cleanup / Retry
// ============================================================================

// Cancel 取消任務
//
// 行為：
//   - PENDING / QUEUED: 立即轉為 CANCELLED
//   - RUNNING: 設定 CancelRequested 並觸發本行程中的取消權杖；
//     不再接收新分塊，進行中的分塊完成後轉為 CANCELLED
//   - 終止狀態: no-op，回傳 false
//
// 返回值：
//   - bool: 任務已取消或取消請求已生效
func (s *Scheduler) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	var wasRunning bool
	job, wrote, err := jobstore.Mutate(ctx, s.store, id, func(j *types.Job) error {
		now := s.now()
		wasRunning = false
		switch {
		case j.Status.IsTerminal():
			return jobstore.ErrAbort
		case j.Status == types.StatusRunning:
			wasRunning = true
			if j.CancelRequested {
				return jobstore.ErrAbort
			}
			j.CancelRequested = true
		default:
			j.Status = types.StatusCancelled
			j.CancelRequested = true
			j.ErrorKind = types.ErrorKindCancelled
			j.LastError = "cancelled before start"
			j.Phase = PhaseDone
			j.CompletedAt = &now
		}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return false, err
	}

	if job.Status.IsTerminal() && !wrote {
		return false, nil
	}
	if wasRunning {
		s.fireToken(id, "cancel requested")
		s.logger.Info("cancellation requested for running job", "job_id", id)
		return true, nil
	}
	s.metrics.RecordJobFinished(string(types.StatusCancelled), 0)
	s.logger.Info("job cancelled", "job_id", id)
	return true, nil
}

func (s *Scheduler) fireToken(id types.JobID, reason string) {
	s.mu.Lock()
	a := s.active[id]
	s.mu.Unlock()
	if a != nil {
		a.token.Cancel(reason)
	}
}

// Cleanup 刪除完成時間早於 now-olderThan 的終止任務與其結果
//
// PENDING / QUEUED / RUNNING 任務永不刪除。
func (s *Scheduler) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := s.store.List(ctx, types.JobFilter{Statuses: []types.JobStatus{
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
	}})
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan)
	deleted := 0
	for _, j := range jobs {
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, jobstore.ErrJobNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("cleaned up jobs", "deleted", deleted, "older_than", olderThan)
	}
	return deleted, nil
}

// DefaultCleanupAge 未指定年齡時的清理門檻
const DefaultCleanupAge = 30 * 24 * time.Hour

// ParseAge 解析清理年齡；duration 字串優先，其次為天數，皆未提供時為 DefaultCleanupAge
func ParseAge(olderThan string, days float64) (time.Duration, error) {
	switch {
	case olderThan != "":
		d, err := time.ParseDuration(olderThan)
		if err != nil {
			return 0, fmt.Errorf("invalid older_than %q: %w", olderThan, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("older_than must not be negative")
		}
		return d, nil
	case days < 0:
		return 0, fmt.Errorf("older_than_days must not be negative")
	case days > 0:
		return time.Duration(days * float64(24*time.Hour)), nil
	default:
		return DefaultCleanupAge, nil
	}
}

// Retry 以相同輸入建立新的 PENDING 任務
//
// 原任務維持終止狀態；新任務 RetryCount = 原任務 + 1，RetryOf 指向原任務。
func (s *Scheduler) Retry(ctx context.Context, id types.JobID) (types.JobID, error) {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if old.Status != types.StatusFailed && old.Status != types.StatusCancelled {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, old.Status)
	}

	now := s.now()
	job := &types.Job{
		ID:          s.newID(),
		Name:        old.Name,
		SourceRef:   old.SourceRef,
		Languages:   old.Languages,
		Priority:    old.Priority,
		Concurrency: old.Concurrency,
		Metadata:    old.Clone().Metadata,
		Status:      types.StatusPending,
		RetryCount:  old.RetryCount + 1,
		MaxRetries:  old.MaxRetries,
		RetryOf:     old.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create retry job: %w", err)
	}
	s.metrics.RecordSubmitted()
	s.logger.Info("job retried", "job_id", job.ID, "retry_of", old.ID, "retry_count", job.RetryCount)
	return job.ID, nil
}

// ============================================================================
// Recover
// ============================================================================

// Recover 啟動時處理上次行程留下的任務
//
// 行為：
//   - RUNNING: ResumeInterrupted 時回傳以便恢復執行；否則標記 FAILED（interrupted）
//   - QUEUED: 已被認領但未開始，回傳以便直接執行
//
// 返回值：
//   - []*types.Job: 需要直接交給 Run 的任務（RUNNING 在前）
func (s *Scheduler) Recover(ctx context.Context) ([]*types.Job, error) {
	running, err := s.store.List(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusRunning}})
	if err != nil {
		return nil, err
	}
	queued, err := s.store.List(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusQueued}})
	if err != nil {
		return nil, err
	}

	var resume []*types.Job
	for _, j := range running {
		if s.cfg.ResumeInterrupted {
			resume = append(resume, j)
			continue
		}
		if _, err := s.finalize(ctx, j.ID, func(job *types.Job) {
			job.Status = types.StatusFailed
			job.ErrorKind = types.ErrorKindInterrupted
			job.LastError = "interrupted"
		}); err != nil {
			return nil, fmt.Errorf("mark interrupted job %s: %w", j.ID, err)
		}
		s.metrics.RecordJobFinished(string(types.StatusFailed), 0)
		s.logger.Warn("interrupted job marked failed", "job_id", j.ID)
	}
	SortForDispatch(resume)
	SortForDispatch(queued)
	resume = append(resume, queued...)

	s.logger.Info("recovery scan finished",
		"running", len(running), "queued", len(queued), "to_execute", len(resume),
		"resume_interrupted", s.cfg.ResumeInterrupted)
	return resume, nil
}

// finalize 將任務轉為終止狀態；已是終止狀態時不覆寫
func (s *Scheduler) finalize(ctx context.Context, id types.JobID, fn func(*types.Job)) (*types.Job, error) {
	job, _, err := jobstore.Mutate(ctx, s.store, id, func(j *types.Job) error {
		if j.Status.IsTerminal() {
			return jobstore.ErrAbort
		}
		prev := j.Status
		fn(j)
		if !types.CanTransition(prev, j.Status) {
			return fmt.Errorf("%w: illegal transition %s -> %s", ErrInternal, prev, j.Status)
		}
		now := s.now()
		j.Phase = PhaseDone
		j.UpdatedAt = now
		j.CompletedAt = &now
		return nil
	})
	return job, err
}
