// ============================================================================
// Job Store - 任務持久化介面
// ============================================================================
//
// Package: internal/jobstore
// 功能: 定義任務與分塊結果的持久化介面，以及共用的樂觀鎖更新輔助
//
// 並發模型:
//   每個任務帶有 Version。寫入一律透過 CompareAndSwap：只有當儲存中的
//   版本等於 expectedVersion 時才寫入，寫入後版本 +1。多個調度器或
//   HTTP/gRPC 請求同時更新同一任務時，落敗的一方得到 ErrVersionConflict
//   並重新讀取後再試（見 Mutate）。
//
// 實作:
//   - Memory            記憶體（測試、memory backend）
//   - walstore.Store    Memory + WAL + 快照（預設）
//   - sqlite.Store      modernc.org/sqlite
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 版本不符，任務已被其他寫入者更新
	ErrVersionConflict = errors.New("job version conflict")
	// 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 儲存已關閉
	ErrClosed = errors.New("job store closed")
)

// Store 任務儲存
//
// 所有回傳的 *types.Job 都是副本，呼叫方可以自由修改。
type Store interface {
	// Create 新增任務；Version 設為 1
	Create(ctx context.Context, job *types.Job) error
	// Get 讀取任務
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	// CompareAndSwap 版本相符時覆寫任務，回傳寫入後的副本（Version = expectedVersion + 1）
	CompareAndSwap(ctx context.Context, job *types.Job, expectedVersion int64) (*types.Job, error)
	// CommitChunk 在同一次寫入中保存分塊結果並以 CAS 更新任務
	CommitChunk(ctx context.Context, job *types.Job, expectedVersion int64, res types.ChunkResult) (*types.Job, error)
	// List 依 CreatedAt、ID 排序回傳符合條件的任務
	List(ctx context.Context, filter types.JobFilter) ([]*types.Job, error)
	// Delete 刪除任務與其所有分塊結果
	Delete(ctx context.Context, id types.JobID) error
	// PutResult 保存分塊結果；同一 Index 以最新一筆覆寫
	PutResult(ctx context.Context, id types.JobID, res types.ChunkResult) error
	// Results 依 Index 排序回傳任務的分塊結果
	Results(ctx context.Context, id types.JobID) ([]types.ChunkResult, error)
	// Close 釋放資源
	Close() error
}

// Checkpointer 支援快照的儲存（由 controller 週期性呼叫）
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// ErrAbort 讓 Mutate 的 fn 放棄更新且不回傳錯誤
var ErrAbort = errors.New("mutation aborted")

// maxMutateAttempts CAS 衝突時的重試上限
const maxMutateAttempts = 32

// Mutate 讀取任務、套用 fn 後以 CAS 寫回，版本衝突時重試
//
// 參數說明：
//   - fn: 修改傳入的副本；回傳 ErrAbort 代表不需寫入，回傳其他錯誤則中止
//
// 返回值：
//   - *types.Job: 寫入後的副本；ErrAbort 時為目前儲存中的副本
//   - bool: 是否真的寫入
func Mutate(ctx context.Context, s Store, id types.JobID, fn func(*types.Job) error) (*types.Job, bool, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrAbort) {
				return current, false, nil
			}
			return nil, false, err
		}
		stored, err := s.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return stored, true, nil
	}
	return nil, false, fmt.Errorf("mutate job %s: %w after %d attempts", id, ErrVersionConflict, maxMutateAttempts)
}
