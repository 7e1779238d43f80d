// 文件: pkg/money/money.go
// 定点数工具 - 所有金额/数量统一使用 6 位小数
//
// 为什么不用 float64？
// float64 的二进制舍入会在结算边界产生 1e-16 级别的误差，
// 资金系统中这种误差会随轮次累积。内部计算保留全精度 Decimal，
// 只在落库/结算边界量化到 0.000001 (四舍五入)。

package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale 小数位数 (0.000001)
const Scale = 6

var ErrInvalidNumber = errors.New("invalid numeric value")

// Zero 零值
var Zero = decimal.Zero

// Quant6 量化到 6 位小数，ROUND_HALF_UP
// (shopspring 的 Round 是 half-away-from-zero，对非负金额等价于 half-up)
func Quant6(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse 解析字符串为 Decimal
// 空串或非法数字返回 ErrInvalidNumber
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, ErrInvalidNumber
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidNumber
	}
	return d, nil
}

// MustParse 解析字符串，失败时 panic (仅用于测试和常量)
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: " + s + " is not a number")
	}
	return d
}

// ParsePositive 解析并要求 > 0
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidNumber
	}
	return d, nil
}

// Clamp 把 d 限制在 [low, high] 区间内
func Clamp(d, low, high decimal.Decimal) decimal.Decimal {
	if d.LessThan(low) {
		return low
	}
	if d.GreaterThan(high) {
		return high
	}
	return d
}

// Min 返回较小值
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// Max 返回较大值
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}
