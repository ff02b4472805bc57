// ============================================================================
// transqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集任務與分塊的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - transq_jobs_submitted_total: 已提交任務數
//      - transq_jobs_finished_total{status}: 終止任務數（completed/failed/cancelled）
//
//   2. 分塊計數器 (Counter):
//      - transq_chunks_total{status}: 最終分塊結果數（success/failed）
//      - transq_chunk_attempts_total: 翻譯呼叫次數
//      - transq_chunk_retries_total{reason}: 重試次數（transient/quality）
//
//   3. 延遲 (Histogram):
//      - transq_chunk_latency_seconds: 單一分塊從開始到最終結果的時間
//      - transq_job_duration_seconds: 任務從 running 到終止的時間
//
//   4. 狀態 (Gauge):
//      - transq_chunks_in_flight: 正在呼叫翻譯器的分塊數
//      - transq_jobs{status}: 各狀態的任務數
//      - transq_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 分塊失敗率
//   rate(transq_chunks_total{status="failed"}[5m]) / rate(transq_chunks_total[5m])
//
//   # 95 分位分塊延遲
//   histogram_quantile(0.95, transq_chunk_latency_seconds_bucket)
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transq"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobDuration   prometheus.Histogram

	// 分塊相關指標
	chunks        *prometheus.CounterVec
	chunkAttempts prometheus.Counter
	chunkRetries  *prometheus.CounterVec
	chunkLatency  prometheus.Histogram

	// 狀態指標
	chunksInFlight prometheus.Gauge
	jobsByStatus   *prometheus.GaugeVec
	recoveryTime   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標；nil 時使用獨立的新 Registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from running to terminal state in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Total number of final chunk results",
		}, []string{"status"}),
		chunkAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_attempts_total",
			Help:      "Total number of translation calls",
		}),
		chunkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Total number of chunk retries",
		}, []string{"reason"}),
		chunkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_latency_seconds",
			Help:      "Chunk processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		chunksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_in_flight",
			Help:      "Current number of chunks holding a concurrency permit",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to recover state at startup in seconds",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobDuration,
		c.chunks,
		c.chunkAttempts,
		c.chunkRetries,
		c.chunkLatency,
		c.chunksInFlight,
		c.jobsByStatus,
		c.recoveryTime,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordJobFinished 記錄任務終止
func (c *Collector) RecordJobFinished(status string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		c.jobDuration.Observe(durationSeconds)
	}
}

// RecordChunk 記錄分塊最終結果
func (c *Collector) RecordChunk(status string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues(status).Inc()
	c.chunkLatency.Observe(latencySeconds)
}

// RecordAttempt 記錄一次翻譯呼叫
func (c *Collector) RecordAttempt() {
	if c == nil {
		return
	}
	c.chunkAttempts.Inc()
}

// RecordRetry 記錄一次重試
func (c *Collector) RecordRetry(reason string) {
	if c == nil {
		return
	}
	c.chunkRetries.WithLabelValues(reason).Inc()
}

// ChunkStarted / ChunkDone 追蹤持有 permit 的分塊數
func (c *Collector) ChunkStarted() {
	if c == nil {
		return
	}
	c.chunksInFlight.Inc()
}

func (c *Collector) ChunkDone() {
	if c == nil {
		return
	}
	c.chunksInFlight.Dec()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateJobStats 更新各狀態任務數
func (c *Collector) UpdateJobStats(counts map[string]int) {
	if c == nil {
		return
	}
	c.jobsByStatus.Reset()
	for status, n := range counts {
		c.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Handler 回傳 /metrics HTTP handler
//
// 註冊在自訂 Registry 時只暴露該 Registry 的指標，
// 否則使用 Prometheus 預設 handler。
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
