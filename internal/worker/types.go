package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// Task 代表交給 Worker 執行的一個任務
type Task struct {
	JobID  types.JobID // 任務 ID
	Resume bool        // 重啟後恢復執行（任務已是 RUNNING）
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID     // 任務 ID
	Status   types.JobStatus // 執行後的任務狀態；中斷時為空
	Error    error           // 錯誤訊息（如果有）
	Duration time.Duration   // 實際執行時間
}

// Success 任務是否順利結束（不含被中斷或內部錯誤）
func (r Result) Success() bool {
	return r.Error == nil && r.Status == types.StatusCompleted
}

// Runner 實際執行任務的函式，通常是 scheduler.Run 的包裝
type Runner func(ctx context.Context, task Task) (types.JobStatus, error)
