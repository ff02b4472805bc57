// Package sqlite 以 SQLite（modernc.org/sqlite，純 Go）實作 jobstore.Store
//
// 任務完整內容以 JSON 存在 job_json，status / created_at / version 另存欄位
// 供查詢與 CAS 使用。分塊結果以 (job_id, idx) 為主鍵 upsert，最新一筆覆寫。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  version INTEGER NOT NULL,
  job_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at, id);
CREATE TABLE IF NOT EXISTS chunk_results (
  job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  idx INTEGER NOT NULL,
  status TEXT NOT NULL,
  result_json TEXT NOT NULL,
  PRIMARY KEY (job_id, idx)
);
`

// Store SQLite 任務儲存
type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// Open 開啟資料庫並建立資料表
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// 單一連線，交易之間天然序列化
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 關閉資料庫
func (s *Store) Close() error { return s.db.Close() }

// Create 新增任務
func (s *Store) Create(ctx context.Context, job *types.Job) error {
	stored := job.Clone()
	stored.Version = 1
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, created_at, version, job_json) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		string(stored.ID), string(stored.Status), stored.CreatedAt.UnixNano(), stored.Version, string(raw),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return jobstore.ErrDuplicateJob
	}
	job.Version = 1
	return nil
}

// Get 讀取任務
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return getJob(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryer, id types.JobID) (*types.Job, error) {
	var raw string
	var version int64
	err := q.QueryRowContext(ctx, `SELECT job_json, version FROM jobs WHERE id = ?`, string(id)).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobstore.ErrJobNotFound
		}
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Version = version
	return &job, nil
}

// CompareAndSwap 以 WHERE version = ? 實現樂觀鎖
func (s *Store) CompareAndSwap(ctx context.Context, job *types.Job, expectedVersion int64) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stored, err := casTx(ctx, tx, job, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// CommitChunk 在同一交易內更新任務並寫入分塊結果
func (s *Store) CommitChunk(ctx context.Context, job *types.Job, expectedVersion int64, res types.ChunkResult) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stored, err := casTx(ctx, tx, job, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := upsertResult(ctx, tx, job.ID, res); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func casTx(ctx context.Context, tx *sql.Tx, job *types.Job, expectedVersion int64) (*types.Job, error) {
	stored := job.Clone()
	stored.Version = expectedVersion + 1
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, created_at = ?, version = ?, job_json = ? WHERE id = ? AND version = ?`,
		string(stored.Status), stored.CreatedAt.UnixNano(), stored.Version, string(raw), string(stored.ID), expectedVersion,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := getJob(ctx, tx, job.ID); err != nil {
			return nil, err
		}
		return nil, jobstore.ErrVersionConflict
	}
	return stored, nil
}

// List 依 created_at、id 排序
func (s *Store) List(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	query := `SELECT job_json, version FROM jobs`
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var raw string
		var version int64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		var job types.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		job.Version = version
		out = append(out, &job)
	}
	return out, rows.Err()
}

// Delete 刪除任務；分塊結果由 ON DELETE CASCADE 一併刪除
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobstore.ErrJobNotFound
	}
	return nil
}

// PutResult 保存分塊結果
func (s *Store) PutResult(ctx context.Context, id types.JobID, res types.ChunkResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := getJob(ctx, tx, id); err != nil {
		return err
	}
	if err := upsertResult(ctx, tx, id, res); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertResult(ctx context.Context, tx *sql.Tx, id types.JobID, res types.ChunkResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chunk_results (job_id, idx, status, result_json) VALUES (?, ?, ?, ?)
         ON CONFLICT(job_id, idx) DO UPDATE SET status = excluded.status, result_json = excluded.result_json`,
		string(id), res.Index, string(res.Status), string(raw),
	)
	return err
}

// Results 依 idx 排序
func (s *Store) Results(ctx context.Context, id types.JobID) ([]types.ChunkResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_json FROM chunk_results WHERE job_id = ? ORDER BY idx ASC`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ChunkResult{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r types.ChunkResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats 各狀態的任務數
func (s *Store) Stats() map[string]int {
	stats := make(map[string]int)
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats
		}
		stats[status] = n
	}
	return stats
}
