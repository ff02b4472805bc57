package translator

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited 以 token bucket 限制對下游翻譯服務的請求速率
//
// 等待 token 時 context 逾時或取消，回傳 TransientError，
// 讓處理器照一般重試規則處理。
type RateLimited struct {
	next    Translator
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimited 以 rps 與 burst 包裝 next；rps <= 0 時直接回傳 next
func NewRateLimited(next Translator, rps float64, burst int) Translator {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Translate implements Translator.
func (r *RateLimited) Translate(ctx context.Context, req Request) (Response, error) {
	r.mu.RLock()
	err := r.limiter.Wait(ctx)
	r.mu.RUnlock()
	if err != nil {
		return Response{}, Transient(err)
	}
	return r.next.Translate(ctx, req)
}

// UpdateLimits 執行期調整速率
func (r *RateLimited) UpdateLimits(rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(rate.Limit(rps))
	r.limiter.SetBurst(burst)
}
