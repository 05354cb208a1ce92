// ============================================================================
// Escrow Ledger 金額運算 - 定點整數工具
// ============================================================================
//
// Package: internal/money
// 文件: money.go
// 功能: 以最小貨幣單位（wei）表示金額，並計算保證金（security hold）
//
// 設計理念:
//   1. 所有金額皆為無號 256 位元整數，與原始帳本的原生整數寬度一致
//   2. 先乘後除時使用 512 位元中間值，不會有精度損失
//   3. 所有加法都檢查溢位，溢位時回傳 ErrArithmeticOverflow
//   4. 純函式：相同輸入永遠得到相同結果（UI 預覽與帳本必須一致）
//
// 保證金公式:
//   hold  = floor(amount * HoldBPS / BasisPoints)   // 500 / 10000 = 5%
//   total = amount + hold
//
// ============================================================================

package money

import (
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/holiman/uint256"
)

const (
	// HoldBPS 保證金比例（基點），500 = 5%
	HoldBPS = 500
	// BasisPoints 基點分母
	BasisPoints = 10000
)

var (
	// ErrArithmeticOverflow 運算結果超出 256 位元
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	// ErrNegativeResult 減法結果小於零
	ErrNegativeResult = errors.New("arithmetic underflow")
	// ErrInvalidAmount 無法解析的金額字串
	ErrInvalidAmount = errors.New("invalid amount")
)

var (
	holdBPS     = uint256.NewInt(HoldBPS)
	basisPoints = uint256.NewInt(BasisPoints)
)

// Amount 以最小貨幣單位表示的非負金額
//
// 零值即為 0，可直接使用。Amount 是值型別，複製不會共享狀態。
type Amount struct {
	v uint256.Int
}

// Zero 回傳金額 0
func Zero() Amount { return Amount{} }

// FromUint64 由 uint64 建立金額
func FromUint64(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// Max 回傳可表示的最大金額（2^256 - 1）
func Max() Amount {
	var a Amount
	a.v.SetAllOne()
	return a
}

// Parse 解析十進位整數字串（最小單位）
func Parse(s string) (Amount, error) {
	if s == "" {
		return Amount{}, errors.Wrap(ErrInvalidAmount, "empty string")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, errors.Wrapf(ErrInvalidAmount, "%q: %v", s, err)
	}
	return Amount{v: *v}, nil
}

// MustParse 解析失敗時 panic，僅用於常數與測試
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String 回傳十進位表示
func (a Amount) String() string {
	return a.v.Dec()
}

// IsZero 是否為 0
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Cmp 比較兩個金額：a < b 回傳 -1，相等回傳 0，a > b 回傳 1
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// Lt a < b
func (a Amount) Lt(b Amount) bool { return a.Cmp(b) < 0 }

// Gte a >= b
func (a Amount) Gte(b Amount) bool { return a.Cmp(b) >= 0 }

// Add 檢查溢位的加法
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, errors.Wrapf(ErrArithmeticOverflow, "%s + %s", a, b)
	}
	return out, nil
}

// Sub 檢查下溢的減法
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, errors.Wrapf(ErrNegativeResult, "%s - %s", a, b)
	}
	return out, nil
}

// Float64 近似值，只用於監控指標，不可用於帳務
func (a Amount) Float64() float64 {
	f, _ := new(big.Float).SetInt(a.v.ToBig()).Float64()
	return f
}

// MarshalText 以十進位字串序列化（JSON 中為字串，避免 JS 精度問題）
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText 從十進位字串反序列化
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ============================================================================
// 保證金計算
// ============================================================================

// ComputeSecurityHold 計算保證金 floor(amount * 500 / 10000)
//
// 參數：
//   - amount: 工作預算（最小單位）
//
// 返回值：
//   - Amount: 保證金
//   - error: 中間乘積超出 512 位元時回傳 ErrArithmeticOverflow（實務上不會發生）
//
// 使用範例：
//
//	hold, _ := money.ComputeSecurityHold(money.MustParse("1000000000000000000"))
//	// hold == 50000000000000000
func ComputeSecurityHold(amount Amount) (Amount, error) {
	var hold Amount
	if _, overflow := hold.v.MulDivOverflow(&amount.v, holdBPS, basisPoints); overflow {
		return Amount{}, errors.Wrapf(ErrArithmeticOverflow, "security hold of %s", amount)
	}
	return hold, nil
}

// ComputeTotalRequired 計算建立工作時需要鎖定的總額 amount + hold
func ComputeTotalRequired(amount Amount) (Amount, error) {
	hold, err := ComputeSecurityHold(amount)
	if err != nil {
		return Amount{}, err
	}
	total, err := amount.Add(hold)
	if err != nil {
		return Amount{}, errors.Wrapf(err, "total required for %s", amount)
	}
	return total, nil
}

// BudgetFromTotal 由鎖定總額求回工作預算，是 ComputeTotalRequired 的反函數
//
// amount + floor(amount * 5%) 嚴格遞增，所以預算唯一，且落在 floor(total / 1.05) 與其下一個整數之間；
// 不是任何預算的總額時回傳 ErrInvalidAmount
func BudgetFromTotal(total Amount) (Amount, error) {
	var candidate Amount
	scale := new(uint256.Int).Add(basisPoints, holdBPS)
	candidate.v.MulDivOverflow(&total.v, basisPoints, scale)

	for i := 0; i < 2; i++ {
		got, err := ComputeTotalRequired(candidate)
		if err == nil && got.Cmp(total) == 0 {
			return candidate, nil
		}
		next, err := candidate.Add(FromUint64(1))
		if err != nil {
			break
		}
		candidate = next
	}
	return Amount{}, errors.Wrapf(ErrInvalidAmount, "%s is not amount + security hold", total)
}

// Quote 建立工作前的金額預覽
type Quote struct {
	Amount Amount `json:"amount"`
	Hold   Amount `json:"security_hold"`
	Total  Amount `json:"total_required"`
}

// NewQuote 計算預覽；與帳本建立工作時使用完全相同的函式
func NewQuote(amount Amount) (Quote, error) {
	hold, err := ComputeSecurityHold(amount)
	if err != nil {
		return Quote{}, err
	}
	total, err := ComputeTotalRequired(amount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Amount: amount, Hold: hold, Total: total}, nil
}
