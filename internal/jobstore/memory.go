package jobstore

// ============================================================================
// Memory Store - 記憶體實作
// ============================================================================
//
// 數據結構:
//   jobs map[JobID]*Job                  主存儲，單一真實來源
//   results map[JobID]map[int]ChunkResult 每個任務各 Index 的最新結果
//
// 並發安全:
//   - sync.RWMutex 保護所有資料；讀操作使用 RLock，寫操作使用 Lock
//   - 進出一律複製，外部拿不到內部指標
//
// 快照支持:
//   - Snapshot() 序列化目前所有任務與結果
//   - Restore() 從快照恢復
//   - Apply* 供 WAL 重放時直接套用事件（不檢查版本）
//
// ============================================================================

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// Memory 記憶體任務儲存
type Memory struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	results map[types.JobID]map[int]types.ChunkResult
	closed  bool
}

var _ Store = (*Memory)(nil)

// NewMemory 建立空的記憶體儲存，併發安全
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[types.JobID]*types.Job),
		results: make(map[types.JobID]map[int]types.ChunkResult),
	}
}

// Create 新增任務
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
func (m *Memory) Create(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	stored := job.Clone()
	stored.Version = 1
	m.jobs[job.ID] = stored
	job.Version = 1
	return nil
}

// Get 讀取任務副本
func (m *Memory) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// CompareAndSwap 版本相符時覆寫
func (m *Memory) CompareAndSwap(_ context.Context, job *types.Job, expectedVersion int64) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.casLocked(job, expectedVersion)
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// CommitChunk 同時寫入分塊結果與任務
func (m *Memory) CommitChunk(_ context.Context, job *types.Job, expectedVersion int64, res types.ChunkResult) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.casLocked(job, expectedVersion)
	if err != nil {
		return nil, err
	}
	m.putResultLocked(job.ID, res)
	return stored.Clone(), nil
}

func (m *Memory) casLocked(job *types.Job, expectedVersion int64) (*types.Job, error) {
	if m.closed {
		return nil, ErrClosed
	}
	current, ok := m.jobs[job.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	stored := job.Clone()
	stored.Version = expectedVersion + 1
	m.jobs[job.ID] = stored
	return stored, nil
}

// List 依 CreatedAt、ID 排序
func (m *Memory) List(_ context.Context, filter types.JobFilter) ([]*types.Job, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	out := make([]*types.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Match(job) {
			out = append(out, job.Clone())
		}
	}
	m.mu.RUnlock()

	SortByCreation(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete 刪除任務與結果
func (m *Memory) Delete(_ context.Context, id types.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.results, id)
	return nil
}

// PutResult 保存分塊結果
func (m *Memory) PutResult(_ context.Context, id types.JobID, res types.ChunkResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	m.putResultLocked(id, res)
	return nil
}

func (m *Memory) putResultLocked(id types.JobID, res types.ChunkResult) {
	byIndex, ok := m.results[id]
	if !ok {
		byIndex = make(map[int]types.ChunkResult)
		m.results[id] = byIndex
	}
	byIndex[res.Index] = res
}

// Results 依 Index 排序
func (m *Memory) Results(_ context.Context, id types.JobID) ([]types.ChunkResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return nil, ErrJobNotFound
	}
	return sortedResults(m.results[id]), nil
}

// Close 關閉儲存；之後的操作回傳 ErrClosed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ============================================================================
// 快照與重放
// ============================================================================

// Snapshot 序列化目前狀態
func (m *Memory) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := types.SnapshotData{
		Jobs:    make(map[types.JobID]*types.Job, len(m.jobs)),
		Results: make(map[types.JobID]map[int]types.ChunkResult, len(m.results)),
	}
	for id, job := range m.jobs {
		data.Jobs[id] = job.Clone()
	}
	for id, byIndex := range m.results {
		cp := make(map[int]types.ChunkResult, len(byIndex))
		for i, r := range byIndex {
			cp[i] = r
		}
		data.Results[id] = cp
	}
	return data
}

// Restore 以快照取代目前狀態
func (m *Memory) Restore(data types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	m.results = make(map[types.JobID]map[int]types.ChunkResult, len(data.Results))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		m.jobs[id] = job.Clone()
	}
	for id, byIndex := range data.Results {
		if _, ok := m.jobs[id]; !ok {
			continue
		}
		cp := make(map[int]types.ChunkResult, len(byIndex))
		for i, r := range byIndex {
			cp[i] = r
		}
		m.results[id] = cp
	}
}

// ApplyJob 直接寫入任務（含版本），用於重放
func (m *Memory) ApplyJob(job *types.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
}

// ApplyDelete 直接刪除任務，用於重放
func (m *Memory) ApplyDelete(id types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.results, id)
}

// ApplyResult 直接寫入結果，用於重放
func (m *Memory) ApplyResult(id types.JobID, res types.ChunkResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putResultLocked(id, res)
}

// Stats 各狀態的任務數
func (m *Memory) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, job := range m.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// SortByCreation 依 CreatedAt 再依 ID 排序
func SortByCreation(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func sortedResults(byIndex map[int]types.ChunkResult) []types.ChunkResult {
	out := make([]types.ChunkResult, 0, len(byIndex))
	for _, r := range byIndex {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
