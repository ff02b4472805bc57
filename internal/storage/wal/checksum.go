package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
//   - 依序寫入 Type、JobID、Seq、Index 與 Payload，以 '|' 分隔
//   - 使用 CRC32-IEEE 多項式計算
//   - 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(e.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(e.JobID))
	h.Write([]byte{'|'})
	h.Write(strconv.AppendUint(nil, e.Seq, 10))
	h.Write([]byte{'|'})
	h.Write(strconv.AppendInt(nil, int64(e.Index), 10))
	h.Write([]byte{'|'})
	h.Write(e.Payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
