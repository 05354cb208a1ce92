// ============================================================================
// Escrow Ledger 轉帳引擎 - 原子性資金移動
// ============================================================================
//
// Package: internal/escrow
// 文件: engine.go
// 功能: 在客戶、開發者與託管帳戶之間移動資金，保證全有或全無
//
// 設計理念:
//   每一次帳本操作開啟一個 Tx，Tx 依序執行轉帳並記錄每一步：
//   - Lock   - 建立工作時：客戶 → 託管帳戶，超額部分同一個 Tx 內退回
//   - Payout - 撥款：託管帳戶 → 開發者
//   - Refund - 退款：託管帳戶 → 客戶
//
//   任何一步失敗，Rollback() 以相反順序補償已完成的步驟，
//   餘額回到 Tx 開始前的狀態。
//
// 並發安全:
//   Tx 本身不加鎖，由 Controller 的單一寫入者臨界區保證序列化
//
// ============================================================================

package escrow

import (
	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInsufficientFunds 建立工作時提供的金額少於所需總額
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBalanceTooLow 付款帳戶餘額不足
	ErrBalanceTooLow = errors.New("balance too low")
	// ErrRecipientRejected 收款帳戶無法收款
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	// ErrTxClosed Tx 已提交或已回滾
	ErrTxClosed = errors.New("escrow transaction already closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Kind 轉帳種類
type Kind string

const (
	KindLock   Kind = "lock"   // 客戶 → 託管
	KindExcess Kind = "excess" // 託管 → 客戶（超額退回）
	KindPayout Kind = "payout" // 託管 → 開發者
	KindRefund Kind = "refund" // 託管 → 客戶
)

// Transfer 一筆已完成的轉帳
type Transfer struct {
	Kind   Kind          `json:"kind"`
	From   types.Account `json:"from"`
	To     types.Account `json:"to"`
	Amount money.Amount  `json:"amount"`
}

// Engine 轉帳引擎
type Engine struct {
	bank  Bank
	vault types.Account
}

// NewEngine 建立轉帳引擎
func NewEngine(bank Bank) *Engine {
	return &Engine{bank: bank, vault: types.VaultAccount}
}

// Held 目前託管中的總額
func (e *Engine) Held() money.Amount {
	return e.bank.Balance(e.vault)
}

// Bank 回傳底層餘額表
func (e *Engine) Bank() Bank {
	return e.bank
}

// Begin 開啟新的轉帳交易
func (e *Engine) Begin() *Tx {
	return &Tx{engine: e}
}

// Tx 一次帳本操作中的所有轉帳
type Tx struct {
	engine  *Engine
	applied []Transfer
	closed  bool
}

// Lock 從客戶收取 supplied 並鎖定 required，超額部分立即退回
//
// 參數：
//   - from: 付款客戶
//   - supplied: 客戶提供的金額
//   - required: 必須鎖定的總額（amount + hold）
//
// 返回值：
//   - money.Amount: 退回的超額
//   - error: ErrInsufficientFunds / ErrBalanceTooLow；失敗時不會移動任何資金
func (tx *Tx) Lock(from types.Account, supplied, required money.Amount) (money.Amount, error) {
	if tx.closed {
		return money.Amount{}, ErrTxClosed
	}
	if supplied.Lt(required) {
		return money.Amount{}, errors.Wrapf(ErrInsufficientFunds, "supplied %s, required %s", supplied, required)
	}

	excess, err := supplied.Sub(required)
	if err != nil {
		return money.Amount{}, err
	}

	if err := tx.move(KindLock, from, tx.engine.vault, supplied); err != nil {
		return money.Amount{}, err
	}
	if err := tx.move(KindExcess, tx.engine.vault, from, excess); err != nil {
		return money.Amount{}, err
	}
	return excess, nil
}

// Payout 從託管帳戶撥款給開發者
func (tx *Tx) Payout(to types.Account, amt money.Amount) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.move(KindPayout, tx.engine.vault, to, amt)
}

// Refund 從託管帳戶退款給客戶
func (tx *Tx) Refund(to types.Account, amt money.Amount) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.move(KindRefund, tx.engine.vault, to, amt)
}

// Commit 封存 Tx，回傳已完成的轉帳清單
func (tx *Tx) Commit() []Transfer {
	tx.closed = true
	out := make([]Transfer, len(tx.applied))
	copy(out, tx.applied)
	return out
}

// Rollback 以相反順序補償所有已完成的轉帳
//
// 補償以 Credit 入帳，凍結的付款方也能收回自己的款項；
// 補償失敗代表餘額表已不一致，回傳錯誤由上層記錄
func (tx *Tx) Rollback() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true

	var errs error
	for i := len(tx.applied) - 1; i >= 0; i-- {
		t := tx.applied[i]
		if err := tx.engine.bank.Withdraw(t.To, t.Amount); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "rollback %s", t.Kind))
			continue
		}
		if err := tx.engine.bank.Credit(t.From, t.Amount); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "rollback %s", t.Kind))
		}
	}
	tx.applied = nil
	return errs
}

// move 單筆轉帳：先扣款再存款，存款失敗時把扣款退回
func (tx *Tx) move(kind Kind, from, to types.Account, amt money.Amount) error {
	if amt.IsZero() {
		return nil
	}

	bank := tx.engine.bank
	if err := bank.Withdraw(from, amt); err != nil {
		return err
	}
	if err := bank.Deposit(to, amt); err != nil {
		if undoErr := bank.Credit(from, amt); undoErr != nil {
			return errors.CombineErrors(err, errors.Wrap(undoErr, "undo withdraw"))
		}
		return err
	}

	tx.applied = append(tx.applied, Transfer{Kind: kind, From: from, To: to, Amount: amt})
	return nil
}
