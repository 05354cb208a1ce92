package jobmanager

import (
	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/escrow"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
)

// ============================================================================
// 錯誤定義
// 所有錯誤都是終止性的：回傳錯誤時不會有任何狀態變更或資金移動
// ============================================================================

var (
	// ErrJobNotFound 工作 ID 不存在
	ErrJobNotFound = errors.New("job does not exist")
	// ErrUnauthorized 調用者不是該操作要求的角色
	ErrUnauthorized = errors.New("caller not authorized for this job")
	// ErrSelfAcceptance 客戶不能接自己的工作
	ErrSelfAcceptance = errors.New("client cannot accept own job")
	// ErrInvalidState 工作目前狀態不允許此操作
	ErrInvalidState = errors.New("invalid job state")
	// ErrEmptySubmission 提交成果的參照為空
	ErrEmptySubmission = errors.New("submission required")
	// ErrEmptyMetadata 工作描述參照為空
	ErrEmptyMetadata = errors.New("metadata reference required")
	// ErrInvalidAmount 工作金額必須大於 0
	ErrInvalidAmount = errors.New("amount must be > 0")
	// ErrInvalidDeadline 期限必須在 1-365 天之間
	ErrInvalidDeadline = errors.New("deadline must be 1-365 days")
	// ErrZeroPayout 部分撥款金額必須大於 0
	ErrZeroPayout = errors.New("payout must be > 0")
	// ErrUseFullRelease 部分撥款金額不能達到全額
	ErrUseFullRelease = errors.New("use full release for 100%")
	// ErrStalePlan 計畫建立後帳本已變更
	ErrStalePlan = errors.New("plan no longer matches ledger")

	// 以下錯誤由其他元件定義，在此重新匯出以便統一判斷
	ErrInsufficientFunds  = escrow.ErrInsufficientFunds
	ErrRecipientRejected  = escrow.ErrRecipientRejected
	ErrBalanceTooLow      = escrow.ErrBalanceTooLow
	ErrArithmeticOverflow = money.ErrArithmeticOverflow
)

// kinds 錯誤與穩定代碼的對應，順序即判斷優先順序
var kinds = []struct {
	err  error
	kind string
}{
	{ErrJobNotFound, "job_not_found"},
	{ErrUnauthorized, "unauthorized"},
	{ErrSelfAcceptance, "self_acceptance"},
	{ErrInvalidState, "invalid_state"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrEmptySubmission, "empty_submission"},
	{ErrEmptyMetadata, "empty_metadata"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidDeadline, "invalid_deadline"},
	{ErrZeroPayout, "zero_payout"},
	{ErrUseFullRelease, "use_full_release"},
	{ErrArithmeticOverflow, "arithmetic_overflow"},
	{ErrRecipientRejected, "recipient_rejected"},
	{ErrBalanceTooLow, "balance_too_low"},
	{ErrStalePlan, "stale_plan"},
	{money.ErrInvalidAmount, "invalid_amount"},
}

// Kind 回傳錯誤的穩定代碼（供 HTTP、gRPC 與監控指標使用）
//
// 非帳本錯誤回傳 "internal"，nil 回傳空字串
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// IsLedgerError 是否為帳本定義的業務錯誤（與 I/O 等基礎設施錯誤區分）
func IsLedgerError(err error) bool {
	k := Kind(err)
	return k != "" && k != "internal"
}
