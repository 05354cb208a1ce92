package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加帳本命令到日誌檔案（append-only）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後換新檔，序號延續）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration

	compressRotated bool  // 旋轉後的舊檔是否 gzip 壓縮
	closed          bool  // Close 之後不可再用
	failed          error // 寫入失敗後進入唯讀狀態，避免半寫入的紀錄之後被重放
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 檔尾若有崩潰時寫到一半的紀錄，截斷後再開啟
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 都立即寫入並 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	var seq uint64
	if _, err := os.Stat(path); err == nil {
		res, err := scanFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("open wal %s: %w", path, err)
		}
		if res.torn {
			log.Warn("wal: truncating torn tail record", "path", path, "offset", res.goodEnd)
			if err := os.Truncate(path, res.goodEnd); err != nil {
				return nil, fmt.Errorf("truncate wal %s: %w", path, err)
			}
		}
		seq = res.lastSeq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 1000),
		bufferSize:    1000,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// SetFlushPolicy 設定批次寫入的緩衝大小與最長等待時間
func (w *WAL) SetFlushPolicy(bufferSize int, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bufferSize > 0 {
		w.bufferSize = bufferSize
	}
	if interval > 0 {
		w.flushInterval = interval
	}
}

// SetCompressRotated 旋轉後的舊檔是否以 gzip 壓縮保存
func (w *WAL) SetCompressRotated(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compressRotated = enabled
}

// Append 追加一個命令到 WAL
//
// 行為：
// - 自動遞增 seq
// - 將 cmd 序列化為 Payload 並計算 checksum
// - isForceFlush 或 syncOnAppend 時立即寫入並 fsync
//
// 參數：
//
//	eventType    - 事件類型（CREATE_GIG, ACCEPT 等）
//	jobID        - 目標工作
//	cmd          - 命令內容，會被 JSON 編碼
//	at           - 命令的時間，重放時沿用
//	isForceFlush - 是否立即落盤
//
// 回傳：
//
//	寫入的事件，錯誤（如果寫入失敗；之後的 Append 都會失敗）
func (w *WAL) Append(eventType EventType, jobID types.JobID, cmd any, at time.Time, isForceFlush bool) (Event, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Event{}, fmt.Errorf("wal: encode %s payload: %w", eventType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}
	if w.failed != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSyncFailed, w.failed)
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: at.UnixMilli(),
		Payload:   payload,
	}
	event.Checksum = CalculateChecksum(event.Type, event.JobID, event.Seq, event.Timestamp, event.Payload)

	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return Event{}, err
		}
	}
	return event, nil
}

// Replay 重放 afterSeq 之後的 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案（會先寫出緩衝區）
// - 驗證每個事件的 checksum
// - 跳過 seq <= afterSeq 的事件（已包含在快照中）
// - 呼叫 handler 應用事件，handler 回傳錯誤時立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	_, err := scanFile(w.path, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
	return err
}

// AdvanceSeq 確保之後的事件序號大於 seq
//
// 用途：WAL 旋轉後新檔為空，從快照恢復時以快照的 LastSeq 接續編號
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 <path>.<時間>.<seq>（可選 gzip），新檔從空白開始；
// seq 不歸零，快照的 LastSeq 因此可以區分新舊事件
//
// 回傳：
//
//	舊檔的新路徑，錯誤（如果旋轉失敗）
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := fmt.Sprintf("%s.%s.%d", w.path, time.Now().Format("20060102_150405"), w.seq)
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.compressRotated {
		gzPath := backupPath + ".gz"
		if err := compressWALFile(backupPath, gzPath); err != nil {
			log.Warn("wal: compress rotated file failed", "path", backupPath, "error", err.Error())
			return backupPath, nil
		}
		if err := os.Remove(backupPath); err != nil {
			log.Warn("wal: remove uncompressed rotated file failed", "path", backupPath, "error", err.Error())
		}
		backupPath = gzPath
	}
	return backupPath, nil
}

// Flush 立即寫出緩衝區並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close 關閉 WAL；關閉後的實例不可再用
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

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if w.failed != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, w.failed)
	}
	if len(w.buffer) == 0 {
		return nil
	}

	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			w.failed = err
			w.buffer = w.buffer[:0]
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		w.failed = err
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// scanResult 掃描檔案的結果
type scanResult struct {
	count   int
	lastSeq uint64
	goodEnd int64 // 最後一筆完整紀錄之後的位置
	torn    bool  // 檔尾有無法解析的半筆紀錄
}

// scanFile 依序讀取檔案中的事件並驗證 checksum
//
// 檔尾（最後一行）無法解析視為崩潰時的半寫入，停止掃描並設定 torn；
// 中間的損壞回傳 CorruptionError，checksum 錯誤回傳 ChecksumError
func scanFile(path string, fn EventHandler) (scanResult, error) {
	var res scanResult

	file, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return res, readErr
		}
		if len(line) == 0 {
			return res, nil
		}
		if line[len(line)-1] != '\n' {
			// 只有檔尾會缺少換行：寫到一半就崩潰
			if len(bytes.TrimSpace(line)) > 0 {
				res.torn = true
			}
			return res, nil
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				if _, peekErr := reader.Peek(1); errors.Is(peekErr, io.EOF) {
					res.torn = true
					return res, nil
				}
				return res, &CorruptionError{Seq: res.lastSeq, Offset: offset, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				return res, err
			}
			if fn != nil {
				if err := fn(event); err != nil {
					return res, err
				}
			}
			res.count++
			res.lastSeq = event.Seq
		}

		offset += int64(len(line))
		res.goodEnd = offset
	}
}

// compressWALFile gzip 壓縮旋轉後的 WAL 檔案
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
