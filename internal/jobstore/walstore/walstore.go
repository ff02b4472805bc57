// ============================================================================
// WAL Store - 記憶體狀態 + 預寫日誌 + 快照
// ============================================================================
//
// Package: internal/jobstore/walstore
// 功能: 以 jobstore.Memory 作為讀取來源，每次寫入先追加 WAL 再套用到記憶體
//
// 恢復流程:
//   1. 載入快照（不存在時為空狀態）
//   2. 重放 seq > snapshot.LastSeq 的 WAL 事件
//
// Checkpoint:
//   寫入快照（記錄目前 WAL seq）後旋轉 WAL，舊 WAL 保留為備份
//
// 寫入順序:
//   所有寫入持有 s.mu，檢查版本、追加 WAL、更新記憶體三步驟不交錯，
//   WAL 的事件順序即為記憶體的套用順序。
//
// ============================================================================

package walstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/snapshot"
	"github.com/ChuLiYu/transqueue/internal/storage/wal"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

const (
	walFile      = "wal.log"
	snapshotFile = "snapshot.json"
)

// Options 設定
type Options struct {
	SyncOnAppend      bool // 每次 flush 是否 fsync
	KeepBackups       int  // 快照與 WAL 各保留的備份數
	CompressSnapshots bool // 快照與 WAL 備份以 gzip 壓縮
	Logger            *slog.Logger
}

// RecoveryInfo 開啟時的恢復資訊
type RecoveryInfo struct {
	SnapshotSeq uint64        // 快照記錄的 WAL seq
	Replayed    int           // 重放的事件數
	Jobs        int           // 恢復後的任務數
	Duration    time.Duration // 恢復耗時
}

// Store 以 WAL 持久化的任務儲存
type Store struct {
	mu   sync.Mutex // 序列化寫入
	mem  *jobstore.Memory
	wal  *wal.WAL
	snap *snapshot.Manager
	opts Options

	logger    *slog.Logger
	recovered RecoveryInfo
}

var (
	_ jobstore.Store        = (*Store)(nil)
	_ jobstore.Checkpointer = (*Store)(nil)
)

// WALPath dir 下的 WAL 檔案路徑
func WALPath(dir string) string { return filepath.Join(dir, walFile) }

// Open 開啟（或建立）dir 下的儲存並完成恢復
func Open(dir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	snapName := snapshotFile
	if opts.CompressSnapshots {
		snapName += ".gz"
	}
	snap := snapshot.NewManager(filepath.Join(dir, snapName))
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	mem := jobstore.NewMemory()
	mem.Restore(data)

	w, err := wal.NewWAL(filepath.Join(dir, walFile), wal.Options{
		SyncOnAppend:    opts.SyncOnAppend,
		KeepBackups:     opts.KeepBackups,
		CompressBackups: opts.CompressSnapshots,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	w.AdvanceSeq(data.LastSeq)

	s := &Store{
		mem:    mem,
		wal:    w,
		snap:   snap,
		opts:   opts,
		logger: logger.With("component", "walstore"),
	}

	replayed := 0
	if err := w.Replay(data.LastSeq, func(e wal.Event) error {
		replayed++
		return s.apply(e)
	}); err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	s.recovered = RecoveryInfo{
		SnapshotSeq: data.LastSeq,
		Replayed:    replayed,
		Jobs:        countJobs(mem.Stats()),
		Duration:    time.Since(start),
	}
	s.logger.Info("job store recovered",
		"dir", dir,
		"snapshot_seq", data.LastSeq,
		"replayed_events", replayed,
		"jobs", s.recovered.Jobs,
		"duration", s.recovered.Duration)
	return s, nil
}

// apply 將 WAL 事件套用到記憶體
func (s *Store) apply(e wal.Event) error {
	switch e.Type {
	case wal.EventJobPut:
		job, err := e.DecodeJob()
		if err != nil {
			return err
		}
		s.mem.ApplyJob(job)
	case wal.EventJobDelete:
		s.mem.ApplyDelete(e.JobID)
	case wal.EventResultPut:
		res, err := e.DecodeResult()
		if err != nil {
			return err
		}
		s.mem.ApplyResult(e.JobID, res)
	case wal.EventCommit:
		c, err := e.DecodeCommit()
		if err != nil {
			return err
		}
		s.mem.ApplyJob(c.Job)
		s.mem.ApplyResult(e.JobID, c.Result)
	default:
		s.logger.Warn("skipping unknown wal event", "seq", e.Seq, "type", e.Type)
	}
	return nil
}

func countJobs(stats map[string]int) int {
	n := 0
	for _, c := range stats {
		n += c
	}
	return n
}

// Recovered 回傳開啟時的恢復資訊
func (s *Store) Recovered() RecoveryInfo { return s.recovered }

// ============================================================================
// jobstore.Store
// ============================================================================

// Create 新增任務
func (s *Store) Create(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mem.Get(ctx, job.ID); err == nil {
		return jobstore.ErrDuplicateJob
	} else if !errors.Is(err, jobstore.ErrJobNotFound) {
		return err
	}

	stored := job.Clone()
	stored.Version = 1
	if _, err := s.wal.Append(wal.EventJobPut, stored.ID, 0, stored, true); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	s.mem.ApplyJob(stored)
	job.Version = 1
	return nil
}

// Get 讀取任務
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return s.mem.Get(ctx, id)
}

// CompareAndSwap 版本相符時覆寫
func (s *Store) CompareAndSwap(ctx context.Context, job *types.Job, expectedVersion int64) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.prepareLocked(ctx, job, expectedVersion)
	if err != nil {
		return nil, err
	}
	if _, err := s.wal.Append(wal.EventJobPut, stored.ID, 0, stored, true); err != nil {
		return nil, fmt.Errorf("append wal: %w", err)
	}
	s.mem.ApplyJob(stored)
	return stored.Clone(), nil
}

// CommitChunk 以單一 COMMIT 事件同時寫入結果與任務
func (s *Store) CommitChunk(ctx context.Context, job *types.Job, expectedVersion int64, res types.ChunkResult) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.prepareLocked(ctx, job, expectedVersion)
	if err != nil {
		return nil, err
	}
	if _, err := s.wal.Append(wal.EventCommit, stored.ID, res.Index, wal.Commit{Job: stored, Result: res}, true); err != nil {
		return nil, fmt.Errorf("append wal: %w", err)
	}
	s.mem.ApplyJob(stored)
	s.mem.ApplyResult(stored.ID, res)
	return stored.Clone(), nil
}

func (s *Store) prepareLocked(ctx context.Context, job *types.Job, expectedVersion int64) (*types.Job, error) {
	current, err := s.mem.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, jobstore.ErrVersionConflict
	}
	stored := job.Clone()
	stored.Version = expectedVersion + 1
	return stored, nil
}

// List 依 CreatedAt、ID 排序
func (s *Store) List(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	return s.mem.List(ctx, filter)
}

// Delete 刪除任務與其結果
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mem.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.wal.Append(wal.EventJobDelete, id, 0, nil, true); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	s.mem.ApplyDelete(id)
	return nil
}

// PutResult 保存分塊結果；retried 中間結果只放入 WAL 緩衝
func (s *Store) PutResult(ctx context.Context, id types.JobID, res types.ChunkResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mem.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.wal.Append(wal.EventResultPut, id, res.Index, res, res.Final()); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	s.mem.ApplyResult(id, res)
	return nil
}

// Results 依 Index 排序
func (s *Store) Results(ctx context.Context, id types.JobID) ([]types.ChunkResult, error) {
	return s.mem.Results(ctx, id)
}

// Stats 各狀態的任務數
func (s *Store) Stats() map[string]int {
	return s.mem.Stats()
}

// Checkpoint 寫入快照並旋轉 WAL
func (s *Store) Checkpoint(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	data := s.mem.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()

	if err := s.snap.WriteWithBackup(data, s.opts.KeepBackups); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	s.logger.Debug("checkpoint written", "jobs", len(data.Jobs), "last_seq", data.LastSeq)
	return nil
}

// Close flush WAL 並關閉
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Close(); err != nil {
		return err
	}
	return s.wal.Close()
}
