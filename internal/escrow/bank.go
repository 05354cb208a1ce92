package escrow

// ============================================================================
// 帳戶餘額存儲
// 職責：
// 1. 保存所有帳戶（含託管帳戶）的餘額
// 2. 提款檢查餘額，存款檢查溢位與凍結狀態，補償入帳只檢查溢位
// 3. 提供快照與恢復
// ============================================================================

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// Bank 定義轉帳引擎所需的餘額操作
// 這允許在測試中替換成會失敗的實作
type Bank interface {
	Balance(acct types.Account) money.Amount
	Withdraw(acct types.Account, amt money.Amount) error
	Deposit(acct types.Account, amt money.Amount) error
	// Credit 補償用的入帳，不經過收款檢查
	Credit(acct types.Account, amt money.Amount) error
}

// MemoryBank 記憶體中的餘額表
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[types.Account]money.Amount
	frozen   map[types.Account]bool // 無法收款的帳戶
}

// NewMemoryBank 建立空的餘額表
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[types.Account]money.Amount),
		frozen:   make(map[types.Account]bool),
	}
}

// Balance 查詢餘額，不存在的帳戶為 0
func (b *MemoryBank) Balance(acct types.Account) money.Amount {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[acct]
}

// Withdraw 從帳戶扣款
//
// 錯誤處理：
//   - ErrBalanceTooLow: 餘額不足
func (b *MemoryBank) Withdraw(acct types.Account, amt money.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	left, err := b.balances[acct].Sub(amt)
	if err != nil {
		return errors.Wrapf(ErrBalanceTooLow, "account %s has %s, needs %s", acct, b.balances[acct], amt)
	}
	b.set(acct, left)
	return nil
}

// Deposit 存款到帳戶
//
// 錯誤處理：
//   - ErrRecipientRejected: 帳戶已凍結
//   - money.ErrArithmeticOverflow: 餘額溢位
func (b *MemoryBank) Deposit(acct types.Account, amt money.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen[acct] {
		return errors.Wrapf(ErrRecipientRejected, "account %s is frozen", acct)
	}
	sum, err := b.balances[acct].Add(amt)
	if err != nil {
		return errors.Wrapf(err, "deposit to %s", acct)
	}
	b.set(acct, sum)
	return nil
}

// Credit 無條件入帳，只檢查溢位；用於退回同一個 Tx 內剛扣出的款項
func (b *MemoryBank) Credit(acct types.Account, amt money.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sum, err := b.balances[acct].Add(amt)
	if err != nil {
		return errors.Wrapf(err, "credit to %s", acct)
	}
	b.set(acct, sum)
	return nil
}

// set 假設調用者已持有鎖；餘額為 0 的帳戶不保留在 map 中
func (b *MemoryBank) set(acct types.Account, amt money.Amount) {
	if amt.IsZero() {
		delete(b.balances, acct)
		return
	}
	b.balances[acct] = amt
}

// Freeze 凍結帳戶，之後的存款都會被拒絕
func (b *MemoryBank) Freeze(acct types.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen[acct] = true
}

// Unfreeze 解除凍結
func (b *MemoryBank) Unfreeze(acct types.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.frozen, acct)
}

// Snapshot 複製所有餘額
func (b *MemoryBank) Snapshot() map[types.Account]money.Amount {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[types.Account]money.Amount, len(b.balances))
	for acct, amt := range b.balances {
		out[acct] = amt
	}
	return out
}

// Restore 以快照內容取代所有餘額（凍結狀態不保存）
func (b *MemoryBank) Restore(balances map[types.Account]money.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.balances = make(map[types.Account]money.Amount, len(balances))
	for acct, amt := range balances {
		b.set(acct, amt)
	}
}

// Total 所有帳戶餘額總和，用於守恆檢查
func (b *MemoryBank) Total() (money.Amount, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := money.Zero()
	for _, amt := range b.balances {
		var err error
		if total, err = total.Add(amt); err != nil {
			return money.Amount{}, err
		}
	}
	return total, nil
}
