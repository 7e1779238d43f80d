// 文件: pkg/wallet/service.go
// 钱包模块 - 账本服务
//
// 所有操作走同一条路径:
// 1. 惰性创建账户行
// 2. 行级锁 (SELECT ... FOR UPDATE) 读出当前余额
// 3. 校验并更新余额
// 4. 写一条流水
//
// 锁在外层事务提交前一直持有，保证同一用户的
// reserve/release/spend 串行化，并发 reserve 不会读到过期的 available。

package wallet

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Vladus-CPU/dbauc2/pkg/money"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientReserved = errors.New("insufficient reserved funds")
)

// =============================================================================
// Service
// =============================================================================

// Service 钱包账本
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Transaction 在一个数据库事务内执行 fn
// 结算管线用它把订单/钱包/库存的变更绑进同一个事务
func (s *Service) Transaction(ctx context.Context, fn func(tx *Service) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Service{db: tx})
	})
}

// ensureAccount 惰性创建账户行 (已存在则无操作)
func (s *Service) ensureAccount(ctx context.Context, userID int64) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{UserID: userID, Available: decimal.Zero, Reserved: decimal.Zero}).
		Error
}

// lockAccount 行级锁读出账户
// SQLite (测试驱动) 不支持 FOR UPDATE，事务本身已串行化
func (s *Service) lockAccount(ctx context.Context, userID int64) (*Account, error) {
	if err := s.ensureAccount(ctx, userID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx)
	if s.db.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var acc Account
	if err := q.Where("user_id = ?", userID).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// logTx 写一条流水，返回流水 ID
func (s *Service) logTx(ctx context.Context, userID int64, txType TxType, amount, available decimal.Decimal, meta map[string]any) (int64, error) {
	record := &Transaction{
		UserID:       userID,
		Type:         txType,
		Amount:       money.Quant6(amount),
		BalanceAfter: money.Quant6(available),
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return 0, err
		}
		record.Meta = string(raw)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return 0, err
	}
	return record.ID, nil
}

// saveBalances 回写余额
func (s *Service) saveBalances(ctx context.Context, acc *Account) error {
	return s.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", acc.UserID).
		Updates(map[string]any{
			"available": acc.Available,
			"reserved":  acc.Reserved,
		}).Error
}

// =============================================================================
// 账本操作
// =============================================================================

// Deposit 充值: available += amount
func (s *Service) Deposit(ctx context.Context, userID int64, amount decimal.Decimal, meta map[string]any) (*OpResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acc, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	acc.Available = acc.Available.Add(amount)
	if err := s.saveBalances(ctx, acc); err != nil {
		return nil, err
	}
	txID, err := s.logTx(ctx, userID, TxDeposit, amount, acc.Available, meta)
	if err != nil {
		return nil, err
	}
	return &OpResult{Available: acc.Available, Reserved: acc.Reserved, TxID: txID}, nil
}

// Withdraw 提现: available -= amount
// available 不足返回 ErrInsufficientFunds
func (s *Service) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal, meta map[string]any) (*OpResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acc, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	acc.Available = acc.Available.Sub(amount)
	if err := s.saveBalances(ctx, acc); err != nil {
		return nil, err
	}
	txID, err := s.logTx(ctx, userID, TxWithdraw, amount.Neg(), acc.Available, meta)
	if err != nil {
		return nil, err
	}
	return &OpResult{Available: acc.Available, Reserved: acc.Reserved, TxID: txID}, nil
}

// Reserve 冻结: available -> reserved (下 bid 单时调用)
func (s *Service) Reserve(ctx context.Context, userID int64, amount decimal.Decimal, meta map[string]any) (*OpResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acc, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	acc.Available = acc.Available.Sub(amount)
	acc.Reserved = acc.Reserved.Add(amount)
	if err := s.saveBalances(ctx, acc); err != nil {
		return nil, err
	}
	txID, err := s.logTx(ctx, userID, TxReserve, amount.Neg(), acc.Available, meta)
	if err != nil {
		return nil, err
	}
	return &OpResult{Available: acc.Available, Reserved: acc.Reserved, TxID: txID}, nil
}

// Release 解冻: reserved -> available
// 超出 reserved 的部分收缩到 reserved (对超额 release 幂等，余额不会为负)
func (s *Service) Release(ctx context.Context, userID int64, amount decimal.Decimal, meta map[string]any) (*OpResult, error) {
	if !amount.IsPositive() {
		bal, err := s.BalanceOf(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &OpResult{Available: bal.Available, Reserved: bal.Reserved}, nil
	}
	acc, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Reserved.LessThan(amount) {
		amount = acc.Reserved
	}
	acc.Available = acc.Available.Add(amount)
	acc.Reserved = acc.Reserved.Sub(amount)
	if err := s.saveBalances(ctx, acc); err != nil {
		return nil, err
	}
	txID, err := s.logTx(ctx, userID, TxRelease, amount, acc.Available, meta)
	if err != nil {
		return nil, err
	}
	return &OpResult{Available: acc.Available, Reserved: acc.Reserved, TxID: txID}, nil
}

// Spend 消费冻结资金: reserved -= amount，不回到 available (结算扣款)
// reserved 不足返回 ErrInsufficientReserved
func (s *Service) Spend(ctx context.Context, userID int64, amount decimal.Decimal, meta map[string]any) (*OpResult, error) {
	if !amount.IsPositive() {
		bal, err := s.BalanceOf(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &OpResult{Available: bal.Available, Reserved: bal.Reserved}, nil
	}
	acc, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Reserved.LessThan(amount) {
		return nil, ErrInsufficientReserved
	}
	acc.Reserved = acc.Reserved.Sub(amount)
	if err := s.saveBalances(ctx, acc); err != nil {
		return nil, err
	}
	txID, err := s.logTx(ctx, userID, TxSpend, amount.Neg(), acc.Available, meta)
	if err != nil {
		return nil, err
	}
	return &OpResult{Available: acc.Available, Reserved: acc.Reserved, TxID: txID}, nil
}

// BalanceOf 查询余额
func (s *Service) BalanceOf(ctx context.Context, userID int64) (*Balance, error) {
	if err := s.ensureAccount(ctx, userID); err != nil {
		return nil, err
	}
	var acc Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acc).Error; err != nil {
		return nil, err
	}
	return &Balance{
		Available: acc.Available,
		Reserved:  acc.Reserved,
		Total:     acc.Available.Add(acc.Reserved),
	}, nil
}

// ListTransactions 查询用户流水 (新到旧)
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []*Transaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}
