// Package types 定義了 transqueue 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobID 任務唯一識別碼（建立後跨重啟不變）
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 已提交，等待調度
	StatusQueued    JobStatus = "queued"    // 已被調度器認領，尚未開始執行
	StatusRunning   JobStatus = "running"   // 正在分塊翻譯
	StatusCompleted JobStatus = "completed" // 成功完成
	StatusFailed    JobStatus = "failed"    // 失敗（可能保留部分結果）
	StatusCancelled JobStatus = "cancelled" // 已取消
)

// statusRank 狀態前進順序；終止狀態共用最高位階
var statusRank = map[JobStatus]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusRunning:   2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
}

// IsTerminal 是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid 是否為已知狀態
func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition 檢查狀態轉換是否合法
//
// 規則：
//   - 狀態只能往前走 pending < queued < running < terminal
//   - 終止狀態永不改變
//   - 允許跳過中間狀態（例如 pending -> cancelled）
//   - running -> running 允許（重啟後恢復執行）
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if from == StatusRunning && to == StatusRunning {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Priority 任務優先級，數值越大越先執行
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityUrgent   Priority = 20
	PriorityCritical Priority = 50
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

// String 回傳優先級名稱；未知數值以數字表示
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Known 是否為已註冊的優先級
func (p Priority) Known() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority 解析優先級名稱（不分大小寫）
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// UnmarshalJSON 接受數字或優先級名稱（"high"）
func (p *Priority) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		v, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	*p = Priority(int(n))
	return nil
}

// ErrorKind 任務或分塊失敗分類
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindDecomposition ErrorKind = "decomposition"
	ErrorKindChunkFailures ErrorKind = "chunk_failures"
	ErrorKindInternal      ErrorKind = "internal"
	ErrorKindInterrupted   ErrorKind = "interrupted"
	ErrorKindCancelled     ErrorKind = "cancelled"

	// 以下為分塊層級
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindExhausted ErrorKind = "exhausted"
	ErrorKindTimeout   ErrorKind = "timeout"
)

// LanguagePair 來源與目標語言（BCP-47）
type LanguagePair struct {
	Source string `json:"source" validate:"required,bcp47_language_tag"`
	Target string `json:"target" validate:"required,bcp47_language_tag,nefield=Source"`
}

// JobSpec 提交任務時的輸入
type JobSpec struct {
	Name        string            `json:"name,omitempty" validate:"max=256"`
	SourceRef   string            `json:"source_ref" validate:"required"`
	Languages   LanguagePair      `json:"languages"`
	Priority    Priority          `json:"priority" validate:"priority"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Concurrency int               `json:"concurrency,omitempty" validate:"gte=0,lte=256"`
	MaxRetries  *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"` // nil 使用調度器預設值，0 停用自動重試
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Job 任務結構，代表一份待翻譯文件
type Job struct {
	// 識別與輸入
	ID          JobID             `json:"id"`
	Name        string            `json:"name,omitempty"`
	SourceRef   string            `json:"source_ref"`
	Languages   LanguagePair      `json:"languages"`
	Priority    Priority          `json:"priority"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// 狀態追蹤
	Status          JobStatus `json:"status"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	RetryOf         JobID     `json:"retry_of,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`

	// 進度
	Phase           string  `json:"phase,omitempty"`
	TotalChunks     int     `json:"total_chunks"`
	CompletedChunks int     `json:"completed_chunks"`
	FailedChunks    int     `json:"failed_chunks"`
	Progress        float64 `json:"progress"`
	AvgQuality      float64 `json:"avg_quality,omitempty"`
	Partial         bool    `json:"partial,omitempty"`

	// 時間
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version 樂觀鎖版本號，每次成功寫入 +1
	Version int64 `json:"version"`
}

// Clone 深拷貝任務，避免呼叫方共享內部 map 與指標
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// EligibleAt 任務是否在 now 時可被調度
func (j *Job) EligibleAt(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// AutoRetryable 失敗任務是否還有自動重試額度
//
// 只有分塊失敗、內部錯誤與逾時會自動重試；切分失敗重跑結果相同。
func (j *Job) AutoRetryable() bool {
	if j.Status != StatusFailed || j.RetryCount >= j.MaxRetries {
		return false
	}
	switch j.ErrorKind {
	case ErrorKindChunkFailures, ErrorKindInternal, ErrorKindTimeout:
		return true
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Chunk 分塊單元
//
// Text 是本塊要翻譯的主要內容，[Start, End) 為其在原文中的位元組區間，
// 所有分塊的區間依序相接、完整覆蓋原文。ContextBefore / ContextAfter
// 僅供上下文參考，不屬於本塊輸出。
type Chunk struct {
	Index         int    `json:"index"`
	Text          string `json:"text"`
	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
}

// ChunkStatus 分塊結果狀態
type ChunkStatus string

const (
	ChunkSuccess ChunkStatus = "success"
	ChunkFailed  ChunkStatus = "failed"
	ChunkRetried ChunkStatus = "retried" // 中間狀態，稍後會被最終結果覆蓋
)

// ChunkResult 單一分塊的處理結果；同一 Index 以最新一筆為準
type ChunkResult struct {
	Index      int           `json:"index"`
	Text       string        `json:"text,omitempty"`
	Quality    float64       `json:"quality,omitempty"`
	Status     ChunkStatus   `json:"status"`
	Attempts   int           `json:"attempts"`
	LowQuality bool          `json:"low_quality,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Final 是否為最終結果（非 retried）
func (r ChunkResult) Final() bool {
	return r.Status == ChunkSuccess || r.Status == ChunkFailed
}

// JobFilter 列表查詢條件；零值代表不過濾
type JobFilter struct {
	Statuses []JobStatus `json:"statuses,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

// Match 任務是否符合條件（不含 Limit）
func (f JobFilter) Match(j *Job) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// JobSummary list_jobs 的精簡視圖
type JobSummary struct {
	ID        JobID     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    JobStatus `json:"status"`
	Priority  Priority  `json:"priority"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary 產生精簡視圖
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		Name:      j.Name,
		Status:    j.Status,
		Priority:  j.Priority,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
	}
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job                `json:"jobs"`
	Results   map[JobID]map[int]ChunkResult `json:"results"`
	SchemaVer int                           `json:"schema_ver"`
	LastSeq   uint64                        `json:"last_seq"`
}

// JobStatusView get_status 的回傳視圖
type JobStatusView struct {
	ID              JobID      `json:"id"`
	Name            string     `json:"name,omitempty"`
	Status          JobStatus  `json:"status"`
	Progress        float64    `json:"progress"`
	Phase           string     `json:"phase,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	TotalChunks     int        `json:"total_chunks"`
	CompletedChunks int        `json:"completed_chunks"`
	FailedChunks    int        `json:"failed_chunks"`
	AvgQuality      float64    `json:"avg_quality,omitempty"`
	Partial         bool       `json:"partial,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	RetryOf         JobID      `json:"retry_of,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// StatusView 產生狀態視圖
func (j *Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:              j.ID,
		Name:            j.Name,
		Status:          j.Status,
		Progress:        j.Progress,
		Phase:           j.Phase,
		Error:           j.LastError,
		ErrorKind:       j.ErrorKind,
		TotalChunks:     j.TotalChunks,
		CompletedChunks: j.CompletedChunks,
		FailedChunks:    j.FailedChunks,
		AvgQuality:      j.AvgQuality,
		Partial:         j.Partial,
		CancelRequested: j.CancelRequested,
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		RetryOf:         j.RetryOf,
		CreatedAt:       j.CreatedAt,
		StartedAt:       cloneTime(j.StartedAt),
		CompletedAt:     cloneTime(j.CompletedAt),
	}
}
