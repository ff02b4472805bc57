package main

// ============================================================================
// 崩潰恢復示範
// ============================================================================
//
//   go run ./cmd/demo start     # 提交文件，翻譯途中按 Ctrl+C
//   go run ./cmd/demo recover   # 重新開啟同一個資料目錄，從已提交的分塊繼續
//
// 翻譯後端是帶延遲的 stub，方便在任務還在 RUNNING 時中斷。
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/transqueue/internal/controller"
	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/processor"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

const dataDir = "./data/demo"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	store, err := walstore.Open(dataDir, walstore.Options{KeepBackups: 1, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	slow := translator.NewStub()
	tr := translator.Func(func(ctx context.Context, req translator.Request) (translator.Response, error) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return translator.Response{}, translator.Transient(ctx.Err())
		}
		return slow.Translate(ctx, req)
	})

	proc := processor.New(tr, processor.DefaultConfig(), processor.WithLogger(logger))
	dec := extract.NewTextDecomposer(extract.Options{MaxBytes: 64})
	sched := scheduler.New(store, dec, proc, scheduler.DefaultConfig(), scheduler.WithLogger(logger))

	ctrlConfig := controller.DefaultConfig()
	ctrlConfig.SnapshotInterval = time.Second
	ctrl := controller.New(sched, store, ctrlConfig, controller.WithLogger(logger))

	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	rec := ctrl.Recovery()
	fmt.Printf("✓ Controller started (mode: %s, resumed: %d, replayed events: %d, recovery: %s)\n",
		mode, rec.Resumed, rec.Replayed, rec.Duration.Round(time.Microsecond))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		stats, _ := sched.Stats(ctx)
		if total(stats) > 0 {
			fmt.Printf("\n⚠️  Found existing jobs from a previous run, use 'recover' or delete %s\n", dataDir)
			break
		}
		priorities := []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh}
		for i, text := range sampleDocs() {
			id, err := ctrl.Submit(ctx, types.JobSpec{
				Name:      fmt.Sprintf("sample-%d", i+1),
				SourceRef: extract.InlinePrefix + text,
				Languages: types.LanguagePair{Source: "en", Target: "de"},
				Priority:  priorities[i%len(priorities)],
			})
			if err != nil {
				log.Fatalf("Failed to submit job: %v", err)
			}
			fmt.Printf("✓ Submitted %s\n", id)
		}
		fmt.Printf("\n💡 Press Ctrl+C while jobs are running, then run 'recover'\n\n")
	case "recover":
		fmt.Printf("\n📊 Status right after recovery:\n")
		printStats(ctx, sched)
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			ctrl.Stop()
			fmt.Println("✓ Controller stopped")
			return
		case <-ticker.C:
			stats, err := sched.Stats(ctx)
			if err != nil {
				continue
			}
			done := stats[string(types.StatusCompleted)] + stats[string(types.StatusFailed)] + stats[string(types.StatusCancelled)]
			fmt.Printf("📊 pending=%d running=%d completed=%d failed=%d\n",
				stats[string(types.StatusPending)]+stats[string(types.StatusQueued)],
				stats[string(types.StatusRunning)],
				stats[string(types.StatusCompleted)],
				stats[string(types.StatusFailed)])
			if total(stats) > 0 && done == total(stats) {
				printResults(ctx, sched)
				ctrl.Stop()
				fmt.Println("✓ All jobs finished, controller stopped")
				return
			}
		}
	}
}

func total(stats map[string]int) int {
	n := 0
	for _, v := range stats {
		n += v
	}
	return n
}

func printStats(ctx context.Context, sched *scheduler.Scheduler) {
	jobs, err := sched.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return
	}
	for _, j := range jobs {
		fmt.Printf("  %-12s %-10s %5.1f%%\n", j.Name, j.Status, j.Progress*100)
	}
}

func printResults(ctx context.Context, sched *scheduler.Scheduler) {
	jobs, err := sched.ListJobs(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusCompleted, types.StatusFailed}})
	if err != nil {
		return
	}
	for _, j := range jobs {
		doc, err := sched.GetResult(ctx, j.ID)
		if err != nil {
			continue
		}
		fmt.Printf("\n── %s (%s, %d blocks) ──\n%s\n", j.Name, j.Status, len(doc.Blocks), doc.Text())
	}
}

func sampleDocs() []string {
	para := func(topic string, n int) string {
		var b strings.Builder
		for i := 1; i <= n; i++ {
			fmt.Fprintf(&b, "Paragraph %d about %s.\n\n", i, topic)
		}
		return b.String()
	}
	return []string{
		para("write-ahead logs", 12),
		para("snapshots", 8),
		para("bounded concurrency", 10),
		para("retries with backoff", 6),
	}
}
