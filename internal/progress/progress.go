// ============================================================================
// Progress Tracker - 任務進度追蹤
// ============================================================================
//
// Package: internal/progress
// 功能: 記錄每個任務目前的階段與完成比例，並通知觀察者
//
// 語意:
//   - 同一階段內進度單調不減；較小的 completed 直接忽略
//   - Fraction = completed / total，夾在 [0, 1]；total 為 0 時為 0
//   - 觀察者各自擁有緩衝 channel 與 goroutine，
//     緩衝滿時丟棄事件，觀察者 panic 或回傳錯誤只記錄日誌
//
// ============================================================================

package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// Event 進度事件
type Event struct {
	JobID     types.JobID        `json:"job_id"`
	Phase     string             `json:"phase"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Fraction  float64            `json:"fraction"`
	Message   string             `json:"message,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	ETA       time.Duration      `json:"eta,omitempty"`
	Done      bool               `json:"done,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Observer 進度觀察者
type Observer interface {
	OnProgress(Event) error
}

// ObserverFunc 讓普通函式滿足 Observer
type ObserverFunc func(Event) error

// OnProgress implements Observer.
func (f ObserverFunc) OnProgress(e Event) error { return f(e) }

// ============================================================================
// Hub
// ============================================================================

const defaultBuffer = 64

type subscription struct {
	jobID types.JobID // 空值代表所有任務
	obs   Observer
	ch    chan Event
	done  chan struct{}
}

// Hub 將進度事件分派給觀察者
type Hub struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// NewHub 建立 Hub；bufferSize <= 0 使用預設值
func NewHub(logger *slog.Logger, bufferSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Hub{
		logger:     logger.With("component", "progress"),
		bufferSize: bufferSize,
		subs:       make(map[int]*subscription),
	}
}

// Subscribe 註冊觀察者；jobID 為空時接收所有任務的事件
//
// 返回值：
//   - func(): 取消訂閱，會等待觀察者 goroutine 結束
func (h *Hub) Subscribe(jobID types.JobID, obs Observer) func() {
	sub := &subscription{
		jobID: jobID,
		obs:   obs,
		ch:    make(chan Event, h.bufferSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go h.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
			<-sub.done
		})
	}
}

// Publish 非阻塞地分派事件
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.jobID != "" && sub.jobID != e.JobID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.logger.Warn("progress observer buffer full, dropping event",
				"job_id", e.JobID, "phase", e.Phase)
		}
	}
}

// Close 關閉所有訂閱並等待觀察者結束
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[int]*subscription)
	for _, sub := range subs {
		close(sub.ch)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}

func (h *Hub) deliver(sub *subscription) {
	defer close(sub.done)
	for e := range sub.ch {
		h.notify(sub.obs, e)
	}
}

func (h *Hub) notify(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("progress observer panicked", "job_id", e.JobID, "panic", fmt.Sprint(r))
		}
	}()
	if err := obs.OnProgress(e); err != nil {
		h.logger.Warn("progress observer failed", "job_id", e.JobID, "error", err)
	}
}

// ============================================================================
// Tracker
// ============================================================================

// Tracker 單一任務的進度狀態
type Tracker struct {
	jobID types.JobID
	hub   *Hub
	now   func() time.Time

	mu         sync.Mutex
	phase      string
	total      int
	completed  int
	message    string
	metrics    map[string]float64
	phaseStart time.Time
	done       bool
}

// NewTracker 建立追蹤器；hub 可為 nil
func NewTracker(jobID types.JobID, hub *Hub, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{jobID: jobID, hub: hub, now: now}
}

// StartPhase 進入新階段並重設計數
func (t *Tracker) StartPhase(name string, total int) {
	t.mu.Lock()
	t.phase = name
	if total < 0 {
		total = 0
	}
	t.total = total
	t.completed = 0
	t.message = ""
	t.metrics = nil
	t.phaseStart = t.now()
	t.done = false
	e := t.eventLocked()
	t.mu.Unlock()

	t.hub.Publish(e)
}

// Update 更新目前階段的完成數
//
// 返回值：
//   - bool: false 代表 completed 小於已記錄值而被忽略
func (t *Tracker) Update(completed int, message string, metrics map[string]float64) bool {
	t.mu.Lock()
	if completed < t.completed {
		t.mu.Unlock()
		return false
	}
	t.completed = completed
	if message != "" {
		t.message = message
	}
	if metrics != nil {
		t.metrics = make(map[string]float64, len(metrics))
		for k, v := range metrics {
			t.metrics[k] = v
		}
	}
	e := t.eventLocked()
	t.mu.Unlock()

	t.hub.Publish(e)
	return true
}

// Finish 標記目前階段結束
func (t *Tracker) Finish(message string) {
	t.mu.Lock()
	t.done = true
	if message != "" {
		t.message = message
	}
	e := t.eventLocked()
	t.mu.Unlock()

	t.hub.Publish(e)
}

// Snapshot 回傳目前狀態
func (t *Tracker) Snapshot() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventLocked()
}

// Fraction 目前階段的完成比例
func (t *Tracker) Fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Fraction(t.completed, t.total)
}

func (t *Tracker) eventLocked() Event {
	e := Event{
		JobID:     t.jobID,
		Phase:     t.phase,
		Completed: t.completed,
		Total:     t.total,
		Fraction:  Fraction(t.completed, t.total),
		Message:   t.message,
		Done:      t.done,
		Timestamp: t.now(),
	}
	if t.metrics != nil {
		e.Metrics = make(map[string]float64, len(t.metrics))
		for k, v := range t.metrics {
			e.Metrics[k] = v
		}
	}
	// ETA 以目前階段的平均速率估算
	if t.completed > 0 && t.total > t.completed && !t.done {
		elapsed := e.Timestamp.Sub(t.phaseStart)
		perItem := elapsed / time.Duration(t.completed)
		e.ETA = perItem * time.Duration(t.total-t.completed)
	}
	return e
}

// Fraction completed / total 夾在 [0, 1]
func Fraction(completed, total int) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	f := float64(completed) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}
