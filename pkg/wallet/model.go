// 文件: pkg/wallet/model.go
// 钱包模块 - 数据模型
//
// 双簿记结构：
// - wallet_accounts: 每个用户一行，available/reserved 两个余额
// - wallet_transactions: 只追加的流水表，每次余额变动一条
//
// 不变量:
// 1. available/reserved 永不为负
// 2. 每次状态变更恰好产生一条流水
// 3. balance_after 记录操作后的 available

package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType 流水类型
type TxType string

const (
	TxDeposit  TxType = "deposit"
	TxWithdraw TxType = "withdraw"
	TxReserve  TxType = "reserve"
	TxRelease  TxType = "release"
	TxSpend    TxType = "spend"
)

// Account 钱包账户
// 行在首次资金流动时惰性创建
type Account struct {
	UserID    int64           `gorm:"primaryKey" json:"userId"`
	Available decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"available"`
	Reserved  decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"reserved"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (Account) TableName() string { return "wallet_accounts" }

// Transaction 钱包流水 (只追加)
// Amount 带符号: withdraw/reserve/spend 为负
type Transaction struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64           `gorm:"index;not null" json:"userId"`
	Type         TxType          `gorm:"size:16;not null" json:"type"`
	Amount       decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"amount"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"balanceAfter"`
	Meta         string          `gorm:"type:json" json:"meta,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (Transaction) TableName() string { return "wallet_transactions" }

// Balance 余额查询结果
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
}

// OpResult 单次操作结果
type OpResult struct {
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	TxID      int64           `json:"txId"`
}
