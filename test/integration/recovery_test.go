// ============================================================================
// 恢復測試
// ============================================================================
//
// TestRestartResumesCommittedChunks:
//   第一個行程在部分分塊完成後關閉，第二個行程開啟同一份資料：
//   - 所有任務最終完成，沒有遺失
//   - 關閉前已提交的分塊不會重新翻譯
//   - 合併結果的區塊數等於分塊數
//
// TestTornWALTailIsDiscarded:
//   WAL 尾端的殘缺紀錄在重新開啟時被截掉，其後的寫入仍可正常恢復
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/internal/jobstore/walstore"
	"github.com/ChuLiYu/transqueue/internal/storage/wal"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

func TestRestartResumesCommittedChunks(t *testing.T) {
	const (
		jobs       = 6
		paragraphs = 4
	)

	for _, backend := range persistentBackends {
		t.Run(backend.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			// 第一個行程：偶數分塊立即完成，奇數分塊卡到關閉
			store, err := backend.open(dir)
			require.NoError(t, err)
			gate := translator.Func(func(ctx context.Context, req translator.Request) (translator.Response, error) {
				if req.Index%2 == 0 {
					return translator.Response{Text: "[de] before restart", Quality: 1}, nil
				}
				<-ctx.Done()
				return translator.Response{}, translator.Transient(ctx.Err())
			})
			first := newStack(store, gate, 3)
			require.NoError(t, first.ctrl.Start(ctx))

			var ids []types.JobID
			for i := 0; i < jobs; i++ {
				id, err := first.ctrl.Submit(ctx, docSpec(fmt.Sprintf("doc-%d", i), paragraphs))
				require.NoError(t, err)
				ids = append(ids, id)
			}
			require.Eventually(t, func() bool {
				view, err := first.sched.GetStatus(ctx, ids[0])
				return err == nil && view.CompletedChunks >= 1
			}, 5*time.Second, 5*time.Millisecond)

			require.NoError(t, first.ctrl.Stop())
			require.NoError(t, store.Close())

			// 第二個行程
			store2, err := backend.open(dir)
			require.NoError(t, err)
			defer store2.Close()
			stub := translator.NewStub()
			second := newStack(store2, stub, 3)
			require.NoError(t, second.ctrl.Start(ctx))
			defer second.ctrl.Stop()

			assert.GreaterOrEqual(t, second.ctrl.Recovery().Resumed, 1)
			waitAllTerminal(t, second.sched, jobs, 10*time.Second)

			all, err := second.sched.ListJobs(ctx, types.JobFilter{})
			require.NoError(t, err)
			require.Len(t, all, jobs, "no job lost across restart")

			for _, id := range ids {
				view, err := second.sched.GetStatus(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, types.StatusCompleted, view.Status)
				assert.Equal(t, paragraphs, view.TotalChunks)

				doc, err := second.sched.GetResult(ctx, id)
				require.NoError(t, err)
				assert.False(t, doc.Partial)
				assert.Len(t, doc.Blocks, paragraphs)
			}

			first0, err := second.sched.GetResult(ctx, ids[0])
			require.NoError(t, err)
			assert.Equal(t, "[de] before restart", first0.Blocks[0].Text)
			assert.Less(t, stub.TotalCalls(), jobs*paragraphs, "committed chunks are not re-translated")
		})
	}
}

func TestTornWALTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := walstore.Open(dir, walstore.Options{})
	require.NoError(t, err)
	s := newStack(store, translator.NewStub(), 1)
	id1, err := s.sched.Submit(ctx, docSpec("one", 2))
	require.NoError(t, err)
	_, err = s.sched.Run(ctx, id1)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// 模擬寫到一半斷電
	f, err := os.OpenFile(walstore.WALPath(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":1000,"type":"job_put","job_id":"half`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rep, err := wal.ValidateWAL(walstore.WALPath(dir))
	require.NoError(t, err)
	assert.True(t, rep.Torn)

	store2, err := walstore.Open(dir, walstore.Options{})
	require.NoError(t, err)
	s2 := newStack(store2, translator.NewStub(), 1)
	view, err := s2.sched.GetStatus(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, view.Status)

	id2, err := s2.sched.Submit(ctx, docSpec("two", 1))
	require.NoError(t, err)
	require.NoError(t, store2.Close())

	rep, err = wal.ValidateWAL(walstore.WALPath(dir))
	require.NoError(t, err)
	assert.False(t, rep.Torn)

	store3, err := walstore.Open(dir, walstore.Options{})
	require.NoError(t, err)
	defer store3.Close()
	_, err = store3.Get(ctx, id1)
	assert.NoError(t, err)
	_, err = store3.Get(ctx, id2)
	assert.NoError(t, err)
}
