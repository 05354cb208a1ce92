package wal

// ============================================================================
// 帳本日誌錯誤
// 恢復流程依這些錯誤決定：截斷尾端殘缺記錄，或停止啟動
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL 記錄無法解碼（JSON 損壞或不完整）
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch 記錄內容與 CRC32 不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL 日誌沒有任何記錄
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed 日誌已關閉，帳本必須拒絕寫入
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed fsync 失敗，命令不能視為已落盤
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError 指出哪一筆帳本命令被竄改或損壞
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError 無法解碼的記錄；Seq 是損壞前最後一筆完好的序號
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
