// Package cancel 提供單一任務的取消權杖
//
// 權杖只影響「等待點」（permit 等待、重試退避），不會中斷
// 已經送出的翻譯呼叫。nil 權杖視為永不取消。
package cancel

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled 等待期間權杖被觸發
var ErrCancelled = errors.New("job cancelled")

// Token 一次性取消訊號，可安全地重複觸發
type Token struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// New 建立尚未觸發的權杖
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel 觸發權杖；只有第一次呼叫的 reason 會被保留
func (t *Token) Cancel(reason string) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Done 權杖觸發後關閉的 channel；nil 權杖回傳 nil（永遠阻塞）
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Cancelled 是否已觸發
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason 觸發原因
func (t *Token) Reason() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// WaitContext 衍生一個在 parent 結束或權杖觸發時取消的 context
//
// 只用於等待點；翻譯呼叫本身應使用 parent。權杖觸發時
// context.Cause 回傳 ErrCancelled。
func (t *Token) WaitContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if t != nil {
		go func() {
			select {
			case <-t.done:
				cancel(ErrCancelled)
			case <-ctx.Done():
			}
		}()
	}
	return ctx, func() { cancel(context.Canceled) }
}
