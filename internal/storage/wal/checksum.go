package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
//   - 依序寫入 Type、JobID、Seq、Timestamp（固定寬度大端序）與 Payload
//   - 使用 CRC32-IEEE 多項式計算
//
// Timestamp 也納入校驗：重放時命令使用記錄的時間，必須與寫入時一致
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64, timestamp int64, payload []byte) uint32 {
	h := crc32.NewIEEE()

	var buf [8]byte
	h.Write([]byte(eventType))
	binary.BigEndian.PutUint64(buf[:], uint64(jobID))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])
	h.Write(payload)

	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.JobID, event.Seq, event.Timestamp, event.Payload)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
