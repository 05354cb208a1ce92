package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 檢查與診斷功能（供 CLI 的 wal 子命令使用）
// ============================================================================

import (
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案沒有任何完整事件則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := scanFile(path, func(event Event) error {
		ev := event
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中完整且校驗正確的事件數
func CountEvents(path string) (int, error) {
	res, err := scanFile(path, nil)
	return res.count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
//   - 所有事件的 JSON 格式與校驗和正確
//   - seq 嚴格遞增（旋轉後的檔案不一定從 1 開始）
//   - 檔尾沒有半寫入的紀錄
func ValidateWAL(path string) error {
	var lastSeq uint64
	res, err := scanFile(path, func(event Event) error {
		if lastSeq != 0 && event.Seq <= lastSeq {
			return fmt.Errorf("wal: seq %d follows %d", event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
	if err != nil {
		return err
	}
	if res.torn {
		return &CorruptionError{Seq: res.lastSeq, Offset: res.goodEnd, Cause: io.ErrUnexpectedEOF}
	}
	return nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
// 格式：
//
//	[Seq:1] CREATE_GIG job=0 at 2025-01-01T00:00:00Z (checksum:0x12345678) {"caller":"alice",...}
func DumpWAL(path string, w io.Writer) error {
	_, err := scanFile(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s job=%d at %s (checksum:0x%08x) %s\n",
			event.Seq, event.Type, event.JobID,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339),
			event.Checksum, event.Payload)
		return err
	})
	return err
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               `json:"total_events"` // 總事件數
	EventTypes  map[EventType]int `json:"event_types"`  // 各類型事件計數
	FirstSeq    uint64            `json:"first_seq"`    // 第一個事件的 seq
	LastSeq     uint64            `json:"last_seq"`     // 最後一個事件的 seq
	TimeRange   [2]int64          `json:"time_range"`   // 時間範圍 [最早, 最晚]
	TornTail    bool              `json:"torn_tail"`    // 檔尾是否有半寫入的紀錄
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	res, err := scanFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.TornTail = res.torn
	return stats, nil
}
