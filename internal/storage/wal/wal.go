package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一筆 JSON）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後切換新檔，舊檔保留為備份）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options WAL 設定
type Options struct {
	SyncOnAppend    bool          // flush 時是否 fsync
	BufferSize      int           // 緩衝事件數上限，預設 256
	FlushInterval   time.Duration // 緩衝最長存放時間，預設 1s
	KeepBackups     int           // 旋轉後保留的備份數，0 代表全部保留
	CompressBackups bool          // 備份是否以 gzip 壓縮
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	opts    Options
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
	now           func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 尾端若有殘缺紀錄（寫入途中崩潰）會先截斷，避免後續追加接在殘缺行之後
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path - WAL 檔案路徑
	opts - 設定，零值使用預設
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	seq, err := recoverTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		now:           time.Now,
	}, nil
}

// recoverTail 找出最後的 seq，並截斷殘缺的尾端紀錄
func recoverTail(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var last uint64
	validEnd, torn, err := scanEvents(file, func(e Event) error {
		last = e.Seq
		return nil
	})
	file.Close()
	if err != nil {
		return 0, err
	}
	if torn {
		if err := os.Truncate(path, validEnd); err != nil {
			return 0, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	return last, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
//   - 自動遞增 seq
//   - payload 以 JSON 編碼後計算 checksum
//   - 先放入緩衝；force 為 true、緩衝已滿或超過 FlushInterval 時寫入檔案
//
// 參數：
//
//	eventType - 事件類型（JOB_PUT, JOB_DELETE, RESULT_PUT）
//	jobID     - 任務 ID
//	index     - 分塊索引（非 RESULT_PUT 時為 0）
//	payload   - 要記錄的資料，可為 nil
//	force     - 是否立即寫入
//
// 回傳：
//
//	事件序號，錯誤（如果寫入失敗）
func (w *WAL) Append(eventType EventType, jobID types.JobID, index int, payload any, force bool) (uint64, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("wal: encode payload: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Index:     index,
		Timestamp: w.now().UnixMilli(),
		Payload:   raw,
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := force || len(w.buffer) >= w.opts.BufferSize || time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝中的事件寫入檔案
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 seq 大於 afterSeq 的事件
//
// 行為：
//   - 從頭讀取 WAL 檔案
//   - 驗證每個事件的 checksum
//   - 尾端殘缺紀錄忽略，其他損壞回傳錯誤
//   - handler 回傳錯誤立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil && !errors.Is(err, ErrWALClosed) {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	_, _, err = scanEvents(file, func(e Event) error {
		if e.Seq <= afterSeq {
			return nil
		}
		return handler(e)
	})
	return err
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為帶時間戳的備份（可選 gzip 壓縮），之後寫入新檔。
// seq 不歸零，快照記錄的 LastSeq 在旋轉後仍然有效。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + w.now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.opts.CompressBackups {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			return fmt.Errorf("wal: compress backup: %w", err)
		}
		if err := os.Remove(backupPath); err != nil {
			return err
		}
	}
	return w.pruneBackupsLocked()
}

// Backups 回傳目前保留的備份檔（由舊到新）
func (w *WAL) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (w *WAL) pruneBackupsLocked() error {
	if w.opts.KeepBackups <= 0 {
		return nil
	}
	backups, err := w.Backups()
	if err != nil {
		return err
	}
	for len(backups) > w.opts.KeepBackups {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq 確保下一個序號大於 seq
//
// 旋轉後新檔為空，重開時無法從檔案得知序號；由快照的 LastSeq 補回。
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入，SyncOnAppend 時同步到磁碟
func (w *WAL) flushLocked() error {
	if w.closed {
		return ErrWALClosed
	}
	if len(w.buffer) == 0 {
		return nil
	}
	for i, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			// 保留尚未寫入的事件，下次 flush 重試
			w.buffer = append(w.buffer[:0], w.buffer[i:]...)
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if w.opts.SyncOnAppend {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// compressWALFile gzip 壓縮備份檔
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
