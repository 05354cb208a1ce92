// Package types 定義了 escrow-ledger 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/escrow-ledger/internal/money"
)

// JobID 工作唯一識別碼，從 0 開始遞增，永不重複使用
type JobID uint64

// String 回傳十進位字串
func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseJobID 解析十進位工作 ID
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(n), nil
}

// Account 帳戶識別（客戶或開發者）
type Account string

const (
	// NoAccount 尚未指定開發者時的哨兵值
	NoAccount Account = ""
	// VaultAccount 託管資金所在的帳戶，不屬於任何使用者
	VaultAccount Account = "escrow:vault"
)

// IsSet 帳戶是否已指定
func (a Account) IsSet() bool { return a != NoAccount }

// Status 工作狀態
type Status uint8

// 定義工作狀態常數（數值與原始帳本一致，供前端使用）
const (
	StatusOpen       Status = iota // 開放狀態：客戶已鎖定資金，等待開發者接案
	StatusInProgress               // 進行中：開發者已接案
	StatusSubmitted                // 已提交：開發者已提交成果，等待客戶審核
	StatusCompleted                // 完成：全額撥款給開發者
	StatusCancelled                // 取消：客戶撤回（接案前）或拒絕成果（部分撥款）
)

var statusNames = [...]string{"open", "in_progress", "submitted", "completed", "cancelled"}

// String 回傳狀態名稱
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// ParseStatus 由名稱解析狀態
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// IsTerminal 是否為終止狀態（之後不允許任何變更）
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MarshalText 以名稱序列化
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 由名稱反序列化
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CloseReason 區分同一個 Cancelled 狀態的兩種來源
type CloseReason string

const (
	ReasonNone      CloseReason = ""          // 尚未結束
	ReasonApproved  CloseReason = "approved"  // 客戶全額撥款
	ReasonWithdrawn CloseReason = "withdrawn" // 客戶在接案前取消
	ReasonRejected  CloseReason = "rejected"  // 客戶拒絕成果，部分撥款
)

// Job 工作結構，代表一筆託管紀錄
type Job struct {
	// 識別與參與者
	ID        JobID   `json:"id"`        // 工作唯一識別碼
	Client    Account `json:"client"`    // 建立工作並出資的客戶
	Developer Account `json:"developer"` // 接案的開發者，Open 時為空

	// 金額（最小單位）
	Amount         money.Amount `json:"amount"`          // 可支付的預算
	SecurityHold   money.Amount `json:"security_hold"`   // 履約保證金
	OriginalAmount money.Amount `json:"original_amount"` // 建立時實際鎖定的總額

	// 結算結果，結束時設定
	Paid     money.Amount `json:"paid"`     // 撥給開發者的總額
	Refunded money.Amount `json:"refunded"` // 退還客戶的總額（不含建立時的超額）

	// 外部參照（不透明字串，帳本不解析內容）
	MetadataRef   string `json:"metadata_ref"`   // 工作描述
	SubmissionRef string `json:"submission_ref"` // 開發者交付成果

	// 狀態追蹤
	Status      Status      `json:"status"`
	CloseReason CloseReason `json:"close_reason,omitempty"`

	// 時間管理（Unix 毫秒時間戳）
	Deadline  int64 `json:"deadline_ms"` // 截止時間
	CreatedAt int64 `json:"created_at"`  // 建立時間
	UpdatedAt int64 `json:"updated_at"`  // 最後更新時間
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Jobs      []*Job                   `json:"jobs"`             // 所有工作，索引即 ID
	Balances  map[Account]money.Amount `json:"balances"`         // 所有帳戶餘額（含託管帳戶）
	EventSeq  uint64                   `json:"event_seq"`        // 最後發出的事件序號
	Events    json.RawMessage          `json:"events,omitempty"` // 環形日誌中保留的事件
	SchemaVer int                      `json:"schema_ver"`       // 資料結構版本號，用於向後相容性
	LastSeq   uint64                   `json:"last_seq"`         // 最後處理的 WAL 序列號
}
