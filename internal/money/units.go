package money

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// EtherDecimals 原生貨幣的小數位數（1 ether = 10^18 wei）
const EtherDecimals = 18

// ParseUnits 將人類可讀的小數字串轉為最小單位
//
// 例如 ParseUnits("1.05", 18) == 1050000000000000000。
// 小數位數超過 decimals 時回傳錯誤，不做四捨五入。
func ParseUnits(s string, decimals int) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, errors.Wrap(ErrInvalidAmount, "empty string")
	}

	whole, frac, hasPoint := strings.Cut(s, ".")
	if hasPoint && frac == "" && whole == "" {
		return Amount{}, errors.Wrapf(ErrInvalidAmount, "%q", s)
	}
	if len(frac) > decimals {
		return Amount{}, errors.Wrapf(ErrInvalidAmount, "%q has more than %d decimals", s, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return Amount{}, errors.Wrapf(ErrInvalidAmount, "%q", s)
			}
		}
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return Zero(), nil
	}
	return Parse(digits)
}

// ParseEther ParseUnits(s, 18) 的捷徑
func ParseEther(s string) (Amount, error) {
	return ParseUnits(s, EtherDecimals)
}

// FormatUnits 將最小單位轉為小數字串，至少保留一位小數（"1.0"、"0.05"）
func FormatUnits(a Amount, decimals int) string {
	digits := a.String()
	if decimals <= 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}

	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		frac = "0"
	}
	return whole + "." + frac
}

// FormatEther FormatUnits(a, 18) 的捷徑
func FormatEther(a Amount) string {
	return FormatUnits(a, EtherDecimals)
}
