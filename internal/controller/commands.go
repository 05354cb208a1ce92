package controller

import (
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/internal/storage/wal"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// ============================================================================
// WAL 命令格式
// 職責：WAL 只記錄命令（調用者 + 參數 + 時間），不記錄結果；
// 重放時以相同的時間重新執行命令，得到相同的狀態
// ============================================================================

// EventAbort 標記一筆已寫入 WAL、但轉帳失敗而被回復的命令；重放時跳過
const EventAbort wal.EventType = "ABORT"

type createGigCmd struct {
	Caller       types.Account `json:"caller"`
	MetadataRef  string        `json:"metadata_ref"`
	Amount       money.Amount  `json:"amount"`
	DeadlineDays int           `json:"deadline_days"`
	Value        money.Amount  `json:"value"`
}

type callerCmd struct {
	Caller types.Account `json:"caller"`
}

type submitCmd struct {
	Caller        types.Account `json:"caller"`
	SubmissionRef string        `json:"submission_ref"`
}

type releasePartialCmd struct {
	Caller types.Account `json:"caller"`
	Payout money.Amount  `json:"payout"`
}

type depositCmd struct {
	Account types.Account `json:"account"`
	Amount  money.Amount  `json:"amount"`
}

type abortCmd struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}
