// ============================================================================
// Translator - 翻譯協作者介面
// ============================================================================
//
// Package: internal/translator
// 功能: 定義單一分塊翻譯呼叫的介面與錯誤分類
//
// 錯誤分類:
//   - TransientError: 暫時性（逾時、限流、網路錯誤），可重試
//   - PermanentError: 永久性（內容被拒、請求不合法），不重試
//   - 其他未分類錯誤一律視為永久性
//
// ============================================================================

package translator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// Request 單一分塊翻譯請求
type Request struct {
	JobID         types.JobID
	Index         int
	Text          string
	ContextBefore string
	ContextAfter  string
	Languages     types.LanguagePair
	Attempt       int
	// Hint 品質不足時的修正提示，首次嘗試為空
	Hint string
}

// Response 翻譯結果；Quality 介於 0 與 1 之間
type Response struct {
	Text    string
	Quality float64
}

// Translator 翻譯協作者
type Translator interface {
	Translate(ctx context.Context, req Request) (Response, error)
}

// Func 讓普通函式滿足 Translator 介面
type Func func(ctx context.Context, req Request) (Response, error)

// Translate implements Translator.
func (f Func) Translate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ============================================================================
// 錯誤分類
// ============================================================================

// TransientError 可重試錯誤
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError 不可重試錯誤
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient 將 err 標記為暫時性
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent 將 err 標記為永久性
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient 判斷錯誤是否可重試
//
// 明確標記為 PermanentError 的錯誤優先；未分類錯誤視為永久性。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *TransientError
	return errors.As(err, &tr)
}
