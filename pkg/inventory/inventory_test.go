// 文件: pkg/inventory/inventory_test.go
// 库存模块 - 测试用例

package inventory

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

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// :memory: 每个连接一个库，收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Item{}, &ResourceTransaction{}))
	return db
}

func TestAdjust_CreateAndAccumulate(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Adjust(ctx, 1, "wheat", money.MustParse("5"), "seed"))
	require.NoError(t, store.Adjust(ctx, 1, "wheat", money.MustParse("2.5"), "round 1"))

	qty, err := store.QuantityOf(ctx, 1, "wheat")
	require.NoError(t, err)
	assert.True(t, qty.Equal(money.MustParse("7.5")))

	// 每次变动一条流水
	txs, err := store.ListTransactions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxInventoryAdd, txs[0].Type)
	assert.True(t, txs[0].Quantity.Equal(money.MustParse("2.5")))
}

func TestAdjust_NegativeDeltaRemovesAndLogs(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Adjust(ctx, 2, "iron", money.MustParse("3"), ""))
	require.NoError(t, store.Adjust(ctx, 2, "iron", money.MustParse("-1"), "sold"))

	qty, err := store.QuantityOf(ctx, 2, "iron")
	require.NoError(t, err)
	assert.True(t, qty.Equal(money.MustParse("2")))

	txs, err := store.ListTransactions(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxInventoryRemove, txs[0].Type)
	assert.True(t, txs[0].Quantity.Equal(money.MustParse("1")), "流水数量取绝对值")
}

func TestAdjust_ZeroRowDeleted(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Adjust(ctx, 3, "coal", money.MustParse("4"), ""))
	require.NoError(t, store.Adjust(ctx, 3, "coal", money.MustParse("-4"), ""))

	qty, err := store.QuantityOf(ctx, 3, "coal")
	require.NoError(t, err)
	assert.True(t, qty.IsZero())

	items, err := store.ListForTrader(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, items, "归零行必须删除")
}

func TestSnapshot(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Adjust(ctx, 1, "wheat", money.MustParse("5"), ""))
	require.NoError(t, store.Adjust(ctx, 1, "iron", money.MustParse("2"), ""))
	require.NoError(t, store.Adjust(ctx, 2, "wheat", money.MustParse("7"), ""))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.True(t, snap[1]["wheat"].Equal(money.MustParse("5")))
	assert.True(t, snap[1]["iron"].Equal(money.MustParse("2")))
	assert.True(t, snap[2]["wheat"].Equal(money.MustParse("7")))
}

func TestLog_Validation(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	assert.ErrorIs(t, store.Log(ctx, 1, "bogus", money.MustParse("1"), ""), ErrInvalidTxType)
	assert.ErrorIs(t, store.Log(ctx, 1, TxDeposit, money.MustParse("0"), ""), ErrInvalidQuantity)
}
