package translator

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Stub 可程式化的假翻譯器，供 demo 與測試使用
//
// 預設行為：回傳 "[target] text"，品質 1.0。
// Script 可依 (index, attempt) 注入錯誤或品質分數。
type Stub struct {
	// Script 回傳非 nil 的 *Response 或 error 時覆蓋預設行為
	Script func(req Request) (*Response, error)

	mu    sync.Mutex
	calls map[int]int
}

// NewStub 建立預設 Stub
func NewStub() *Stub {
	return &Stub{calls: make(map[int]int)}
}

// Translate implements Translator.
func (s *Stub) Translate(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[int]int)
	}
	s.calls[req.Index]++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, Transient(err)
	}

	if s.Script != nil {
		resp, err := s.Script(req)
		if err != nil {
			return Response{}, err
		}
		if resp != nil {
			return *resp, nil
		}
	}

	target := req.Languages.Target
	if target == "" {
		target = "xx"
	}
	return Response{
		Text:    fmt.Sprintf("[%s] %s", target, strings.TrimSpace(req.Text)),
		Quality: 1.0,
	}, nil
}

// Calls 回傳指定分塊被呼叫的次數
func (s *Stub) Calls(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[index]
}

// TotalCalls 所有分塊的呼叫總數
func (s *Stub) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}
