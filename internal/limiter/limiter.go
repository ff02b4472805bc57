// ============================================================================
// Limiter - 並發上限控制
// ============================================================================
//
// Package: internal/limiter
// 功能: 限制同時進行中的翻譯呼叫數量
//
// 語意:
//   - 任何時刻持有 permit 的數量不超過 Capacity
//   - 等待者依 FIFO 取得 permit（semaphore.Weighted 保證）
//   - Acquire 可經由 context 取消；取消後不佔用任何 permit
//   - Release 必須與成功的 Acquire 一一對應
//
// Chain 可將「單一任務上限」與「全域上限」串接使用。
//
// ============================================================================

package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter 以 weighted semaphore 實作的計數 permit
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

// New 建立容量為 capacity 的 Limiter；capacity < 1 視為 1
func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire 取得一個 permit，必要時等待
//
// 返回值：
//   - error: ctx 在取得前被取消時回傳 ctx.Err()
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.inFlight.Add(1)
	for {
		prev := l.maxSeen.Load()
		if n <= prev || l.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	return nil
}

// TryAcquire 不等待地嘗試取得 permit
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	n := l.inFlight.Add(1)
	if n > l.maxSeen.Load() {
		l.maxSeen.Store(n)
	}
	return true
}

// Release 歸還一個 permit
//
// 未持有 permit 就呼叫 Release 屬於程式錯誤，直接 panic。
func (l *Limiter) Release() {
	if l.inFlight.Add(-1) < 0 {
		l.inFlight.Add(1)
		panic(fmt.Sprintf("limiter: release without acquire (capacity=%d)", l.capacity))
	}
	l.sem.Release(1)
}

// InFlight 目前持有的 permit 數
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

// Capacity 容量
func (l *Limiter) Capacity() int { return int(l.capacity) }

// MaxObserved 曾經同時持有的最大 permit 數
func (l *Limiter) MaxObserved() int { return int(l.maxSeen.Load()) }

// ============================================================================
// Chain
// ============================================================================

// Chain 依序取得多個 Limiter 的 permit，反序歸還
type Chain []*Limiter

// Acquire 取得所有 permit；任一失敗則歸還已取得的部分
func (c Chain) Acquire(ctx context.Context) error {
	for i, l := range c {
		if l == nil {
			continue
		}
		if err := l.Acquire(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if c[j] != nil {
					c[j].Release()
				}
			}
			return err
		}
	}
	return nil
}

// Release 反序歸還所有 permit
func (c Chain) Release() {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i] != nil {
			c[i].Release()
		}
	}
}
