// 文件: pkg/wallet/service_test.go
// 钱包模块 - 测试用例
//
// 测试策略:
// 1. 单个操作的余额/流水正确性
// 2. 不变量: 余额非负、超额 release 幂等、reserve 守恒
// 3. 错误路径: 余额不足、冻结不足

package wallet

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Vladus-CPU/dbauc2/pkg/money"
)

// setupTestDB 创建内存数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// :memory: 每个连接一个库，收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Account{}, &Transaction{}))
	return db
}

func TestDeposit(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	res, err := svc.Deposit(ctx, 1, money.MustParse("100"), map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.True(t, res.Available.Equal(money.MustParse("100")))
	assert.True(t, res.Reserved.IsZero())
	assert.NotZero(t, res.TxID)

	// 流水校验
	var tx Transaction
	require.NoError(t, svc.db.First(&tx, res.TxID).Error)
	assert.Equal(t, TxDeposit, tx.Type)
	assert.True(t, tx.Amount.Equal(money.MustParse("100")))
	assert.True(t, tx.BalanceAfter.Equal(money.MustParse("100")))
}

func TestDeposit_InvalidAmount(t *testing.T) {
	svc := NewService(setupTestDB(t))
	_, err := svc.Deposit(context.Background(), 1, money.MustParse("0"), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, 1, money.MustParse("10"), nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = svc.Deposit(ctx, 1, money.MustParse("5"), nil)
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, 1, money.MustParse("10"), nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestReserveSpendRelease_Conservation(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 7, money.MustParse("100"), nil)
	require.NoError(t, err)

	// 冻结 60
	res, err := svc.Reserve(ctx, 7, money.MustParse("60"), nil)
	require.NoError(t, err)
	assert.True(t, res.Available.Equal(money.MustParse("40")))
	assert.True(t, res.Reserved.Equal(money.MustParse("60")))

	// 消费 45，返还 15: spend + release == reserve
	_, err = svc.Spend(ctx, 7, money.MustParse("45"), nil)
	require.NoError(t, err)
	res, err = svc.Release(ctx, 7, money.MustParse("15"), nil)
	require.NoError(t, err)

	assert.True(t, res.Available.Equal(money.MustParse("55")))
	assert.True(t, res.Reserved.IsZero())

	bal, err := svc.BalanceOf(ctx, 7)
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(money.MustParse("55")))
}

func TestSpend_InsufficientReserved(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 2, money.MustParse("100"), nil)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, 2, money.MustParse("30"), nil)
	require.NoError(t, err)

	_, err = svc.Spend(ctx, 2, money.MustParse("30.000001"), nil)
	assert.ErrorIs(t, err, ErrInsufficientReserved)
}

func TestRelease_OverdrawClampsToReserved(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 3, money.MustParse("50"), nil)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, 3, money.MustParse("20"), nil)
	require.NoError(t, err)

	// 超额 release: 只返还 20，余额不为负
	res, err := svc.Release(ctx, 3, money.MustParse("100"), nil)
	require.NoError(t, err)
	assert.True(t, res.Available.Equal(money.MustParse("50")))
	assert.True(t, res.Reserved.IsZero())

	// 再 release 一次: 无冻结可还
	res, err = svc.Release(ctx, 3, money.MustParse("1"), nil)
	require.NoError(t, err)
	assert.True(t, res.Available.Equal(money.MustParse("50")))
	assert.True(t, res.Reserved.IsZero())
}

func TestEveryOpWritesExactlyOneTx(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 4, money.MustParse("100"), nil)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, 4, money.MustParse("40"), nil)
	require.NoError(t, err)
	_, err = svc.Spend(ctx, 4, money.MustParse("10"), nil)
	require.NoError(t, err)
	_, err = svc.Release(ctx, 4, money.MustParse("30"), nil)
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, 4, money.MustParse("20"), nil)
	require.NoError(t, err)

	var count int64
	require.NoError(t, svc.db.Model(&Transaction{}).Where("user_id = ?", 4).Count(&count).Error)
	assert.EqualValues(t, 5, count)

	// balance_after 链校验: 最后一条流水的 balance_after == 当前 available
	var last Transaction
	require.NoError(t, svc.db.Where("user_id = ?", 4).Order("id DESC").First(&last).Error)
	bal, err := svc.BalanceOf(ctx, 4)
	require.NoError(t, err)
	assert.True(t, last.BalanceAfter.Equal(bal.Available))
}

func TestTransaction_RollbackLeavesNoTrace(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 5, money.MustParse("100"), nil)
	require.NoError(t, err)

	boom := assert.AnError
	err = svc.Transaction(ctx, func(tx *Service) error {
		if _, err := tx.Reserve(ctx, 5, money.MustParse("80"), nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	bal, err := svc.BalanceOf(ctx, 5)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(money.MustParse("100")))
	assert.True(t, bal.Reserved.IsZero())

	var count int64
	require.NoError(t, svc.db.Model(&Transaction{}).Where("user_id = ? AND type = ?", 5, TxReserve).Count(&count).Error)
	assert.Zero(t, count)
}
