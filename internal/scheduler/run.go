package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/transqueue/internal/aggregator"
	"github.com/ChuLiYu/transqueue/internal/cancel"
	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/limiter"
	"github.com/ChuLiYu/transqueue/internal/progress"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

const (
	maxCommitAttempts = 32
	reasonTimeout     = "job timeout"
)

var errNoChunks = errors.New("source produced no chunks")

// outcome 任務最終狀態
type outcome struct {
	status  types.JobStatus
	kind    types.ErrorKind
	message string
	partial bool
}

// Run 執行任務直到終止狀態（QUEUED、PENDING 或重啟後的 RUNNING）
//
// 流程：
//  1. 轉為 RUNNING，註冊取消權杖
//  2. 切分來源；失敗或零分塊 → FAILED（decomposition）
//  3. 載入已存在的結果，只重新執行尚未成功的分塊
//  4. 每個分塊先取得 job + global permit，再交給 processor
//  5. 每個最終結果與任務計數以 CommitChunk 一次寫入
//  6. 合併結果並決定 COMPLETED / FAILED / CANCELLED
//
// 超過 Config.JobTimeout 時停止派發新分塊，任務標記 FAILED（timeout）。
//
// 錯誤處理：
//   - ErrInterrupted: ctx 在所有分塊完成前結束；任務維持 RUNNING
//   - ErrInternal: 執行期間 panic 或儲存層寫入失敗；任務盡力標記 FAILED（internal），
//     標記本身也失敗時兩個錯誤一併回傳
//   - 其他: 無法將任務轉為 RUNNING（例如任務不存在）
func (s *Scheduler) Run(ctx context.Context, id types.JobID) (result *JobResult, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("job.id", string(id)),
	))
	defer span.End()

	start := s.now()
	// 已完成的工作即使在關閉期間也要寫入
	sctx := context.WithoutCancel(ctx)

	token := cancel.New()
	tracker := progress.NewTracker(id, s.hub, s.now)
	s.mu.Lock()
	s.active[id] = &activeJob{token: token, tracker: tracker}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job run panicked", "job_id", id, "panic", fmt.Sprint(r))
			job, ferr := s.finalize(sctx, id, func(j *types.Job) {
				j.Status = types.StatusFailed
				j.ErrorKind = types.ErrorKindInternal
				j.LastError = fmt.Sprintf("internal error: %v", r)
				j.Partial = j.TotalChunks > 0
			})
			if ferr == nil && job != nil {
				result = summarize(job, nil, s.now().Sub(start))
			}
			s.metrics.RecordJobFinished(string(types.StatusFailed), s.now().Sub(start).Seconds())
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	job, _, err := jobstore.Mutate(sctx, s.store, id, func(j *types.Job) error {
		if j.Status.IsTerminal() {
			return jobstore.ErrAbort
		}
		now := s.now()
		j.Status = types.StatusRunning
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.Phase = PhaseDecompose
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", id, err)
	}
	if job.Status.IsTerminal() {
		return summarize(job, nil, 0), nil
	}
	if job.CancelRequested {
		token.Cancel("cancel requested")
	}
	if s.cfg.JobTimeout > 0 {
		timer := time.AfterFunc(s.cfg.JobTimeout, func() { token.Cancel(reasonTimeout) })
		defer timer.Stop()
	}

	s.logger.Info("job started",
		"job_id", id,
		"priority", job.Priority.String(),
		"resumed", job.TotalChunks > 0)

	// ===== decompose =====
	tracker.StartPhase(PhaseDecompose, 1)
	chunks, derr := s.decomposer.Decompose(ctx, job)
	if derr == nil && len(chunks) == 0 {
		derr = &extract.DecompositionError{SourceRef: job.SourceRef, Err: errNoChunks}
	}
	if derr != nil {
		if ctx.Err() != nil {
			return nil, ErrInterrupted
		}
		s.logger.Warn("decomposition failed", "job_id", id, "error", derr)
		span.RecordError(derr)
		return s.conclude(sctx, span, tracker, start, id, outcome{
			status:  types.StatusFailed,
			kind:    types.ErrorKindDecomposition,
			message: derr.Error(),
		}, nil)
	}
	tracker.Update(1, fmt.Sprintf("%d chunks", len(chunks)), nil)
	total := len(chunks)

	// ===== 載入既有結果 =====
	existing, err := s.store.Results(sctx, id)
	if err != nil {
		return s.abandon(sctx, span, tracker, start, id, fmt.Errorf("load results of job %s: %w", id, err))
	}
	done := make(map[int]bool, len(existing))
	var (
		succeeded  int
		failed     int
		qualitySum float64
	)
	for _, r := range existing {
		if r.Index >= 0 && r.Index < total && r.Status == types.ChunkSuccess {
			done[r.Index] = true
			succeeded++
			qualitySum += r.Quality
		}
	}
	avg := func() float64 {
		if succeeded == 0 {
			return 0
		}
		return qualitySum / float64(succeeded)
	}

	job, _, err = jobstore.Mutate(sctx, s.store, id, func(j *types.Job) error {
		j.TotalChunks = total
		j.CompletedChunks = succeeded
		j.FailedChunks = 0
		j.Progress = progress.Fraction(succeeded, total)
		j.AvgQuality = avg()
		j.Phase = PhaseTranslate
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return s.abandon(sctx, span, tracker, start, id, fmt.Errorf("record chunk count of job %s: %w", id, err))
	}
	if job.CancelRequested {
		token.Cancel("cancel requested")
	}

	todo := make([]types.Chunk, 0, total)
	for _, c := range chunks {
		if !done[c.Index] {
			todo = append(todo, c)
		}
	}
	if succeeded > 0 {
		s.logger.Info("resuming job", "job_id", id, "already_done", succeeded, "remaining", len(todo))
	}

	// ===== translate =====
	tracker.StartPhase(PhaseTranslate, total)
	tracker.Update(succeeded, "", nil)

	concurrency := job.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.JobConcurrency
	}
	chain := limiter.Chain{limiter.New(concurrency), s.global}
	out := make(chan types.ChunkResult)
	go s.dispatch(ctx, sctx, token, job, todo, chain, out)

	var (
		interrupted bool
		storeErr    error
	)
	for res := range out {
		switch {
		case res.ErrorKind == types.ErrorKindInterrupted:
			interrupted = true
			continue
		case storeErr != nil:
			continue
		case res.ErrorKind == types.ErrorKindCancelled:
			// 權杖觸發前未產生任何譯文，視為未處理
			continue
		}

		if res.Status == types.ChunkSuccess {
			succeeded++
			qualitySum += res.Quality
		} else {
			failed++
			s.logger.Warn("chunk failed", "job_id", id, "chunk", res.Index,
				"kind", res.ErrorKind, "attempts", res.Attempts, "error", res.Error)
		}

		stored, err := s.commitChunk(sctx, id, res, func(j *types.Job) {
			j.CompletedChunks = succeeded
			j.FailedChunks = failed
			j.Progress = progress.Fraction(succeeded+failed, total)
			j.AvgQuality = avg()
			j.UpdatedAt = s.now()
		})
		if err != nil {
			storeErr = err
			token.Cancel("store failure")
			continue
		}

		tracker.Update(succeeded+failed, fmt.Sprintf("chunk %d %s", res.Index, res.Status), map[string]float64{
			"avg_quality": avg(),
			"failed":      float64(failed),
		})
		if stored.CancelRequested {
			token.Cancel("cancel requested")
		}
	}

	if storeErr != nil {
		return s.abandon(sctx, span, tracker, start, id, fmt.Errorf("persist result of job %s: %w", id, storeErr))
	}
	if interrupted || (succeeded+failed < total && !token.Cancelled()) {
		s.logger.Info("job interrupted, will resume on restart",
			"job_id", id, "processed", succeeded+failed, "total", total)
		return nil, ErrInterrupted
	}

	// ===== merge =====
	tracker.StartPhase(PhaseMerge, 1)
	results, err := s.store.Results(sctx, id)
	if err != nil {
		return s.abandon(sctx, span, tracker, start, id, fmt.Errorf("load results of job %s: %w", id, err))
	}
	doc := s.merger.Merge(id, total, results)
	tracker.Update(1, "", map[string]float64{"avg_quality": doc.AvgQuality})

	var o outcome
	switch {
	case token.Reason() == reasonTimeout:
		o = outcome{
			status:  types.StatusFailed,
			kind:    types.ErrorKindTimeout,
			message: fmt.Sprintf("job exceeded timeout of %s", s.cfg.JobTimeout),
			partial: true,
		}
	case token.Cancelled():
		o = outcome{
			status:  types.StatusCancelled,
			kind:    types.ErrorKindCancelled,
			message: "cancelled by request",
			partial: true,
		}
	case succeeded >= 1 && float64(failed)/float64(total) <= s.cfg.FailureTolerance:
		o = outcome{status: types.StatusCompleted, partial: doc.Partial}
	default:
		o = outcome{
			status:  types.StatusFailed,
			kind:    types.ErrorKindChunkFailures,
			message: fmt.Sprintf("%d of %d chunks failed", failed, total),
			partial: true,
		}
	}
	return s.conclude(sctx, span, tracker, start, id, o, &doc)
}

// dispatch 依序為每個分塊取得 permit 並啟動處理；權杖觸發或 ctx 結束後停止接收新分塊
func (s *Scheduler) dispatch(ctx, sctx context.Context, token *cancel.Token, job *types.Job, todo []types.Chunk, chain limiter.Chain, out chan<- types.ChunkResult) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	for _, chunk := range todo {
		if token.Cancelled() || ctx.Err() != nil {
			return
		}
		waitCtx, stop := token.WaitContext(ctx)
		err := chain.Acquire(waitCtx)
		stop()
		if err != nil {
			return
		}
		if token.Cancelled() || ctx.Err() != nil {
			chain.Release()
			return
		}

		wg.Add(1)
		go func(chunk types.Chunk) {
			defer wg.Done()
			defer chain.Release()
			s.metrics.ChunkStarted()
			defer s.metrics.ChunkDone()
			out <- s.processChunk(ctx, sctx, token, job, chunk)
		}(chunk)
	}
}

// processChunk 呼叫 processor；中間結果寫入 store 但不更新任務計數
func (s *Scheduler) processChunk(ctx, sctx context.Context, token *cancel.Token, job *types.Job, chunk types.Chunk) (res types.ChunkResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("chunk processing panicked", "job_id", job.ID, "chunk", chunk.Index, "panic", fmt.Sprint(r))
			res = types.ChunkResult{
				Index:     chunk.Index,
				Status:    types.ChunkFailed,
				ErrorKind: types.ErrorKindInternal,
				Error:     fmt.Sprintf("panic: %v", r),
				UpdatedAt: s.now(),
			}
		}
	}()

	hook := func(interim types.ChunkResult) {
		if err := s.store.PutResult(sctx, job.ID, interim); err != nil {
			s.logger.Warn("record interim result failed", "job_id", job.ID, "chunk", interim.Index, "error", err)
		}
	}
	return s.processor.Process(ctx, token, job, chunk, hook)
}

// commitChunk 以 CommitChunk 原子寫入結果與任務計數，版本衝突時重讀重試
func (s *Scheduler) commitChunk(ctx context.Context, id types.JobID, res types.ChunkResult, apply func(*types.Job)) (*types.Job, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		apply(next)
		stored, err := s.store.CommitChunk(ctx, next, current.Version, res)
		if errors.Is(err, jobstore.ErrVersionConflict) {
			continue
		}
		return stored, err
	}
	return nil, fmt.Errorf("commit chunk %d of job %s: %w", res.Index, id, jobstore.ErrVersionConflict)
}

// abandon 儲存層失敗後盡力將任務標記為 FAILED（internal），不讓任務停在 RUNNING
func (s *Scheduler) abandon(ctx context.Context, span trace.Span, tracker *progress.Tracker, start time.Time, id types.JobID, cause error) (*JobResult, error) {
	err := fmt.Errorf("%w: %w", ErrInternal, cause)
	s.logger.Error("job store failure, marking job failed", "job_id", id, "error", cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, err.Error())

	job, ferr := s.finalize(ctx, id, func(j *types.Job) {
		j.Status = types.StatusFailed
		j.ErrorKind = types.ErrorKindInternal
		j.LastError = "internal error: " + cause.Error()
		j.Partial = j.TotalChunks > 0
	})
	elapsed := s.now().Sub(start)
	s.metrics.RecordJobFinished(string(types.StatusFailed), elapsed.Seconds())
	if ferr != nil {
		s.logger.Error("mark job failed", "job_id", id, "error", ferr)
		return nil, errors.Join(err, fmt.Errorf("finalize job %s: %w", id, ferr))
	}
	tracker.StartPhase(PhaseDone, 0)
	tracker.Finish(string(job.Status))
	return summarize(job, nil, elapsed), err
}

// conclude 寫入終止狀態並記錄指標
func (s *Scheduler) conclude(ctx context.Context, span trace.Span, tracker *progress.Tracker, start time.Time, id types.JobID, o outcome, doc *aggregator.Document) (*JobResult, error) {
	job, err := s.finalize(ctx, id, func(j *types.Job) {
		j.Status = o.status
		j.ErrorKind = o.kind
		j.LastError = o.message
		j.Partial = o.partial
		if o.status == types.StatusCompleted {
			j.Progress = 1
		}
	})
	if err != nil {
		return nil, fmt.Errorf("finalize job %s: %w", id, err)
	}

	elapsed := s.now().Sub(start)
	s.metrics.RecordJobFinished(string(job.Status), elapsed.Seconds())
	tracker.StartPhase(PhaseDone, 0)
	tracker.Finish(string(job.Status))

	span.SetAttributes(
		attribute.String("job.status", string(job.Status)),
		attribute.Int("job.chunks", job.TotalChunks),
		attribute.Int("job.failed_chunks", job.FailedChunks),
	)
	if job.Status == types.StatusFailed {
		span.SetStatus(codes.Error, job.LastError)
	}

	s.logger.Info("job finished",
		"job_id", id,
		"status", job.Status,
		"chunks", job.TotalChunks,
		"succeeded", job.CompletedChunks,
		"failed", job.FailedChunks,
		"avg_quality", job.AvgQuality,
		"duration", elapsed)
	return summarize(job, doc, elapsed), nil
}

func summarize(job *types.Job, doc *aggregator.Document, elapsed time.Duration) *JobResult {
	r := &JobResult{
		JobID:      job.ID,
		Status:     job.Status,
		Total:      job.TotalChunks,
		Succeeded:  job.CompletedChunks,
		Failed:     job.FailedChunks,
		AvgQuality: job.AvgQuality,
		Partial:    job.Partial,
		ErrorKind:  job.ErrorKind,
		Error:      job.LastError,
		Duration:   elapsed,
	}
	if doc != nil {
		r.Missing = len(doc.Missing)
	} else if m := job.TotalChunks - job.CompletedChunks - job.FailedChunks; m > 0 {
		r.Missing = m
	}
	return r
}
