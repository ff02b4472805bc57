package wal

// ============================================================================
// WAL 工具函式
// 職責：逐行掃描 WAL 檔案，並提供檢查與統計輔助
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// scanEvents 逐行解碼事件並呼叫 fn
//
// 每筆事件佔一行（json.Encoder 會補上換行）。最後一行若沒有換行且無法解析，
// 視為寫入途中崩潰留下的殘缺紀錄，直接忽略；其他無法解析或校驗失敗的紀錄回傳錯誤。
//
// 返回值：
//   - validEnd: 最後一筆有效紀錄結尾的位元組位置
//   - torn: 是否忽略了殘缺的尾端紀錄
func scanEvents(r io.Reader, fn func(Event) error) (validEnd int64, torn bool, err error) {
	br := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64

	for {
		line, readErr := br.ReadBytes('\n')
		complete := readErr == nil
		if readErr != nil && readErr != io.EOF {
			return offset, false, readErr
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				if !complete {
					return offset, true, nil
				}
				return offset, false, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if !VerifyChecksum(event) {
				if !complete {
					return offset, true, nil
				}
				return offset, false, &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
			}
			if err := fn(event); err != nil {
				return offset, false, err
			}
			lastSeq = event.Seq
		}

		offset += int64(len(line))
		if !complete {
			return offset, false, nil
		}
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
//
// 回傳：
//   - 最後一個事件，錯誤（檔案沒有任何事件時回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	if _, _, err := scanEvents(file, func(e Event) error {
		ev := e
		last = &ev
		return nil
	}); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	_, _, err = scanEvents(file, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// Report ValidateWAL 的檢查結果
type Report struct {
	Events   int    // 有效事件數
	FirstSeq uint64 // 第一筆事件序號
	LastSeq  uint64 // 最後一筆事件序號
	Torn     bool   // 尾端是否有殘缺紀錄
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
//   - 所有事件的 JSON 格式正確
//   - 所有事件的校驗和正確
//   - seq 嚴格遞增
func ValidateWAL(path string) (Report, error) {
	var rep Report
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, nil
		}
		return rep, err
	}
	defer file.Close()

	_, torn, err := scanEvents(file, func(e Event) error {
		if rep.Events > 0 && e.Seq <= rep.LastSeq {
			return fmt.Errorf("%w: seq %d follows %d", ErrCorruptedWAL, e.Seq, rep.LastSeq)
		}
		if rep.Events == 0 {
			rep.FirstSeq = e.Seq
		}
		rep.LastSeq = e.Seq
		rep.Events++
		return nil
	})
	rep.Torn = torn
	return rep, err
}
