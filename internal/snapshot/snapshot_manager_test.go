package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

func sampleData() types.SnapshotData {
	done := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": {
				ID:        "job-001",
				Status:    types.StatusPending,
				SourceRef: "text:hello",
				Languages: types.LanguagePair{Source: "en", Target: "fr"},
				Priority:  types.PriorityHigh,
				Version:   1,
			},
			"job-002": {
				ID:              "job-002",
				Status:          types.StatusCompleted,
				TotalChunks:     2,
				CompletedChunks: 2,
				CompletedAt:     &done,
				Version:         7,
			},
		},
		Results: map[types.JobID]map[int]types.ChunkResult{
			"job-002": {
				0: {Index: 0, Status: types.ChunkSuccess, Text: "bonjour", Quality: 0.9},
				1: {Index: 1, Status: types.ChunkSuccess, Text: "monde", Quality: 1},
			},
		},
		LastSeq: 100,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	for _, name := range []string{"snapshot.json", "snapshot.json.gz"} {
		t.Run(name, func(t *testing.T) {
			manager := NewManager(filepath.Join(t.TempDir(), "nested", name))
			original := sampleData()

			require.NoError(t, manager.Write(original))
			loaded, err := manager.Load()
			require.NoError(t, err)

			assert.Equal(t, SchemaVersion, loaded.SchemaVer)
			assert.Equal(t, uint64(100), loaded.LastSeq)
			require.Len(t, loaded.Jobs, 2)
			assert.Equal(t, types.PriorityHigh, loaded.Jobs["job-001"].Priority)
			assert.Equal(t, int64(7), loaded.Jobs["job-002"].Version)
			assert.True(t, loaded.Jobs["job-002"].CompletedAt.Equal(*original.Jobs["job-002"].CompletedAt))
			assert.Equal(t, "monde", loaded.Results["job-002"][1].Text)
		})
	}
}

// TestAtomicWrite 覆寫後不留下暫存檔
func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(filepath.Join(tempDir, "snapshot.json"))

	require.NoError(t, manager.Write(sampleData()))
	next := sampleData()
	delete(next.Jobs, "job-001")
	require.NoError(t, manager.Write(next))

	_, err := os.Stat(filepath.Join(tempDir, "snapshot.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 1)
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Empty()))
	assert.True(t, manager.Exists())
}

// TestFirstBoot 首次啟動回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Jobs)
	assert.NotNil(t, data.Results)
	assert.Zero(t, data.LastSeq)
}

// TestVersionMismatch 舊版本快照無法載入
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	raw, err := json.Marshal(map[string]any{"jobs": map[string]any{}, "schema_ver": 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
	}{
		{"broken json", "snapshot.json", `{"jobs": {`},
		{"not gzip", "snapshot.json.gz", `{"jobs": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 只保留最近 keep 個備份
func TestWriteWithBackup(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	manager.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 4; i++ {
		data := sampleData()
		data.LastSeq = uint64(i)
		require.NoError(t, manager.WriteWithBackup(data, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.LastSeq)
}

// TestLargeSnapshot 大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json.gz"))
	data := Empty()
	for i := 0; i < 1000; i++ {
		id := types.JobID(fmt.Sprintf("job-%04d", i))
		data.Jobs[id] = &types.Job{ID: id, Status: types.StatusRunning, TotalChunks: 3}
		data.Results[id] = map[int]types.ChunkResult{0: {Index: 0, Status: types.ChunkSuccess, Text: "x"}}
	}

	start := time.Now()
	require.NoError(t, manager.Write(data))
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("write+load 1000 jobs took %v", time.Since(start))

	assert.Len(t, loaded.Jobs, 1000)
	assert.Len(t, loaded.Results, 1000)
}

// TestConcurrentWrites 並發寫入後快照仍然可讀
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data := sampleData()
			data.LastSeq = uint64(n)
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := sampleData()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
