// ============================================================================
// 整合測試共用元件
// ============================================================================
//
// Package: test/integration
// 功能: 以真實的 store / scheduler / controller 組合跑端到端情境
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/controller"
	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/jobstore/sqlite"
	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/processor"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// opener 開啟某種持久化後端
type opener struct {
	name string
	open func(dir string) (jobstore.Store, error)
}

var persistentBackends = []opener{
	{name: "wal", open: func(dir string) (jobstore.Store, error) {
		return walstore.Open(dir, walstore.Options{KeepBackups: 1})
	}},
	{name: "sqlite", open: func(dir string) (jobstore.Store, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return sqlite.Open(filepath.Join(dir, "transq.db"))
	}},
}

// stack 一個行程內的 scheduler + controller
type stack struct {
	sched *scheduler.Scheduler
	ctrl  *controller.Controller
}

func newStack(store jobstore.Store, tr translator.Translator, workers int) *stack {
	proc := processor.New(tr, processor.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	dec := extract.NewTextDecomposer(extract.Options{MaxBytes: 40})
	sched := scheduler.New(store, dec, proc, scheduler.DefaultConfig())
	ctrl := controller.New(sched, store, controller.Config{
		Workers:          workers,
		DispatchInterval: 10 * time.Millisecond,
		StatsInterval:    50 * time.Millisecond,
	})
	return &stack{sched: sched, ctrl: ctrl}
}

// document 產生 n 個段落的文件，每段落自成一個分塊
func document(tag string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Paragraph %d of %s.", i, tag)
	}
	return strings.Join(parts, "\n\n")
}

func docSpec(tag string, paragraphs int) types.JobSpec {
	return types.JobSpec{
		Name:      tag,
		SourceRef: extract.InlinePrefix + document(tag, paragraphs),
		Languages: types.LanguagePair{Source: "en", Target: "de"},
	}
}

// waitAllTerminal 等待所有任務進入終止狀態
func waitAllTerminal(t testing.TB, s *scheduler.Scheduler, want int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := s.Stats(context.Background())
		if err != nil {
			return false
		}
		done := stats[string(types.StatusCompleted)] + stats[string(types.StatusFailed)] + stats[string(types.StatusCancelled)]
		return done >= want
	}, timeout, 10*time.Millisecond, "jobs did not finish in %s", timeout)
}
