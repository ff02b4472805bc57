// ============================================================================
// Chunk Processor - 單一分塊的翻譯與重試
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
// 功能: 驅動單一分塊完成「呼叫翻譯器 -> 分類錯誤 -> 退避重試 -> 品質檢查」
//
// 狀態機:
//
//   NotStarted ──> Attempting ──> Succeeded
//                     │  ↑
//                     │  └── TransientFailed（退避後重試）
//                     └────> PermanentFailed
//
//   - 暫時性錯誤: 延遲 base * 2^(attempt-1)，上限 MaxDelay，最多 MaxAttempts 次呼叫
//   - 永久性錯誤: 立即失敗，只呼叫一次
//   - 單次呼叫逾時: 視為暫時性錯誤
//   - 品質低於門檻: 額外一次帶提示的修正呼叫（不計入 MaxAttempts），
//     取分數最高者；仍低於門檻則標記 LowQuality
//   - 每次重試前檢查取消權杖；權杖不會中斷進行中的呼叫
//
// 處理器不修改任何共享狀態，結果只透過回傳值與 AttemptHook 傳出。
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/transqueue/internal/cancel"
	"github.com/ChuLiYu/transqueue/internal/metrics"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// State 分塊處理狀態
type State int

const (
	StateNotStarted State = iota
	StateAttempting
	StateSucceeded
	StateTransientFailed
	StatePermanentFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateTransientFailed:
		return "transient_failed"
	case StatePermanentFailed:
		return "permanent_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config 處理器設定
type Config struct {
	MaxAttempts      int           // 暫時性錯誤時的最大呼叫次數（含第一次）
	BaseDelay        time.Duration // 第一次重試前的延遲
	MaxDelay         time.Duration // 延遲上限
	AttemptTimeout   time.Duration // 單次呼叫逾時，0 表示不限
	QualityThreshold float64       // 品質門檻，0 表示不檢查
}

// DefaultConfig 預設值
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	return c
}

// AttemptHook 收到中間結果（Status = retried）
type AttemptHook func(types.ChunkResult)

// Processor 分塊處理器；可被多個 goroutine 共用
type Processor struct {
	cfg        Config
	translator translator.Translator
	logger     *slog.Logger
	metrics    *metrics.Collector
	tracer     trace.Tracer
	now        func() time.Time

	// wait 於退避期間等待；測試可替換
	wait func(ctx context.Context, token *cancel.Token, d time.Duration) error
}

// Option 設定選項
type Option func(*Processor)

// WithLogger 注入 logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics 注入指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// New 建立處理器
func New(tr translator.Translator, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		cfg:        cfg.withDefaults(),
		translator: tr,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/ChuLiYu/transqueue/internal/processor"),
		now:        time.Now,
		wait:       waitDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "processor")
	return p
}

// Config 回傳生效中的設定
func (p *Processor) Config() Config { return p.cfg }

// run 單一分塊處理過程中的可變狀態
type run struct {
	job      *types.Job
	chunk    types.Chunk
	attempts int
	hint     string
	lastErr  error
	lastKind types.ErrorKind

	best          *translator.Response
	correctiveRun bool
}

// Process 處理單一分塊直到得到最終結果
//
// 參數：
//   - ctx: 行程層級 context；結束時回傳 ErrorKind = interrupted 的結果
//   - token: 任務取消權杖，可為 nil
//   - hook: 中間結果回呼，可為 nil
//
// 返回值：
//   - types.ChunkResult: Status 為 success 或 failed
func (p *Processor) Process(ctx context.Context, token *cancel.Token, job *types.Job, chunk types.Chunk, hook AttemptHook) types.ChunkResult {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "processor.chunk", trace.WithAttributes(
		attribute.String("job.id", string(job.ID)),
		attribute.Int("chunk.index", chunk.Index),
	))
	defer span.End()

	bo := p.newBackoff()
	r := &run{job: job, chunk: chunk}

	state := StateNotStarted
	for {
		switch state {
		case StateNotStarted:
			state = StateAttempting

		case StateAttempting:
			state = p.attempt(ctx, r)
			if state == StateAttempting {
				// 品質修正：立即再試一次，但仍先檢查取消
				p.emit(hook, r, "quality")
				if token.Cancelled() {
					return p.finish(span, start, r, p.bestOrCancelled(r))
				}
			}

		case StateTransientFailed:
			if r.attempts >= p.cfg.MaxAttempts {
				if r.best != nil {
					return p.finish(span, start, r, p.success(r))
				}
				return p.finish(span, start, r, p.failure(r, types.ErrorKindExhausted,
					fmt.Errorf("gave up after %d attempts: %w", r.attempts, r.lastErr)))
			}
			if token.Cancelled() {
				return p.finish(span, start, r, p.bestOrCancelled(r))
			}
			p.emit(hook, r, "transient")

			delay := bo.NextBackOff()
			if err := p.wait(ctx, token, delay); err != nil {
				if errors.Is(err, cancel.ErrCancelled) {
					return p.finish(span, start, r, p.bestOrCancelled(r))
				}
				return p.finish(span, start, r, p.failure(r, types.ErrorKindInterrupted, err))
			}
			state = StateAttempting

		case StateSucceeded:
			return p.finish(span, start, r, p.success(r))

		case StatePermanentFailed:
			if r.best != nil {
				return p.finish(span, start, r, p.success(r))
			}
			return p.finish(span, start, r, p.failure(r, r.lastKind, r.lastErr))
		}
	}
}

// attempt 執行一次翻譯呼叫並決定下一個狀態
//
// 回傳 StateAttempting 代表需要品質修正呼叫。
func (p *Processor) attempt(ctx context.Context, r *run) State {
	r.attempts++
	p.metrics.RecordAttempt()

	callCtx, cancelCall := context.WithCancel(ctx)
	if p.cfg.AttemptTimeout > 0 {
		cancelCall()
		callCtx, cancelCall = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	}
	resp, err := p.translator.Translate(callCtx, translator.Request{
		JobID:         r.job.ID,
		Index:         r.chunk.Index,
		Text:          r.chunk.Text,
		ContextBefore: r.chunk.ContextBefore,
		ContextAfter:  r.chunk.ContextAfter,
		Languages:     r.job.Languages,
		Attempt:       r.attempts,
		Hint:          r.hint,
	})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancelCall()

	if err != nil {
		r.lastErr = err
		switch {
		case ctx.Err() != nil:
			// 行程關閉，不再重試
			r.lastKind = types.ErrorKindInterrupted
			r.lastErr = fmt.Errorf("interrupted: %w", ctx.Err())
			return StatePermanentFailed
		case timedOut:
			r.lastKind = types.ErrorKindTimeout
			r.lastErr = fmt.Errorf("attempt timed out after %s: %w", p.cfg.AttemptTimeout, err)
		case translator.IsTransient(err):
			r.lastKind = types.ErrorKindTransient
		default:
			r.lastKind = types.ErrorKindPermanent
			p.logger.Warn("permanent translation failure",
				"job_id", r.job.ID, "chunk", r.chunk.Index, "error", err)
			return StatePermanentFailed
		}

		// 修正呼叫失敗時保留先前的最佳結果
		if r.correctiveRun && r.best != nil {
			return StateSucceeded
		}
		p.logger.Debug("transient translation failure",
			"job_id", r.job.ID, "chunk", r.chunk.Index, "attempt", r.attempts, "error", err)
		return StateTransientFailed
	}

	// 後端回報的分數不一定落在 [0, 1]
	resp.Quality = clampQuality(resp.Quality)
	if r.best == nil || resp.Quality > r.best.Quality {
		best := resp
		r.best = &best
	}

	threshold := p.cfg.QualityThreshold
	if threshold > 0 && resp.Quality < threshold && !r.correctiveRun {
		r.correctiveRun = true
		r.hint = fmt.Sprintf("previous translation scored %.2f, below the %.2f threshold; "+
			"revise for accuracy and fluency", resp.Quality, threshold)
		return StateAttempting
	}
	return StateSucceeded
}

func clampQuality(q float64) float64 {
	switch {
	case math.IsNaN(q) || q < 0:
		return 0
	case q > 1:
		return 1
	}
	return q
}

func (p *Processor) emit(hook AttemptHook, r *run, reason string) {
	p.metrics.RecordRetry(reason)
	if hook == nil {
		return
	}
	res := types.ChunkResult{
		Index:     r.chunk.Index,
		Status:    types.ChunkRetried,
		Attempts:  r.attempts,
		ErrorKind: r.lastKind,
		UpdatedAt: p.now(),
	}
	if reason == "quality" {
		res.ErrorKind = types.ErrorKindNone
		if r.best != nil {
			res.Quality = r.best.Quality
			res.LowQuality = true
		}
	} else if r.lastErr != nil {
		res.Error = r.lastErr.Error()
	}
	hook(res)
}

func (p *Processor) success(r *run) types.ChunkResult {
	res := types.ChunkResult{
		Index:    r.chunk.Index,
		Text:     r.best.Text,
		Quality:  r.best.Quality,
		Status:   types.ChunkSuccess,
		Attempts: r.attempts,
	}
	if p.cfg.QualityThreshold > 0 && r.best.Quality < p.cfg.QualityThreshold {
		res.LowQuality = true
	}
	return res
}

func (p *Processor) failure(r *run, kind types.ErrorKind, err error) types.ChunkResult {
	res := types.ChunkResult{
		Index:     r.chunk.Index,
		Status:    types.ChunkFailed,
		Attempts:  r.attempts,
		ErrorKind: kind,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (p *Processor) bestOrCancelled(r *run) types.ChunkResult {
	if r.best != nil {
		return p.success(r)
	}
	return p.failure(r, types.ErrorKindCancelled, cancel.ErrCancelled)
}

func (p *Processor) finish(span trace.Span, start time.Time, r *run, res types.ChunkResult) types.ChunkResult {
	res.Duration = p.now().Sub(start)
	res.UpdatedAt = p.now()

	span.SetAttributes(
		attribute.Int("chunk.attempts", res.Attempts),
		attribute.String("chunk.status", string(res.Status)),
	)
	if res.Status == types.ChunkFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	if res.ErrorKind != types.ErrorKindInterrupted {
		p.metrics.RecordChunk(string(res.Status), res.Duration.Seconds())
	}
	return res
}

// newBackoff 每個分塊一個獨立的退避序列：base, 2*base, 4*base ... 上限 MaxDelay
func (p *Processor) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Delays 回傳 n 次重試依序使用的延遲
func (p *Processor) Delays(n int) []time.Duration {
	bo := p.newBackoff()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = bo.NextBackOff()
	}
	return out
}

func waitDelay(ctx context.Context, token *cancel.Token, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return cancel.ErrCancelled
	case <-timer.C:
		return nil
	}
}
