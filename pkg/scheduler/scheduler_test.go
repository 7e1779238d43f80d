// 文件: pkg/scheduler/scheduler_test.go
// 清算调度器 - 测试用例
//
// 测试策略:
// 1. 窗口过期关闭 (不产生轮次行)
// 2. 到期选择与限流
// 3. 轮次号单调、单场失败隔离
// 4. Start/Stop 生命周期

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
	"github.com/Vladus-CPU/dbauc2/pkg/settle"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
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
	require.NoError(t, db.AutoMigrate(
		&auction.Auction{}, &auction.Order{}, &auction.Participant{},
		&auction.ClearingRound{}, &auction.InventorySnapshot{},
		&wallet.Account{}, &wallet.Transaction{},
		&inventory.Item{}, &inventory.ResourceTransaction{},
	))
	return db
}

type fixture struct {
	db      *gorm.DB
	sched   *Scheduler
	repo    *auction.Repo
	wallets *wallet.Service
	ctx     context.Context
}

func setup(t *testing.T, interval time.Duration) *fixture {
	db := setupTestDB(t)
	pipeline := settle.NewPipeline(db, nil, nil, nil)
	return &fixture{
		db:      db,
		sched:   New(db, pipeline, interval),
		repo:    auction.NewRepo(db),
		wallets: wallet.NewService(db),
		ctx:     context.Background(),
	}
}

func (f *fixture) newAuction(t *testing.T, windowEnd *time.Time) *auction.Auction {
	a := &auction.Auction{
		Product:        "wheat",
		Type:           auction.TypeOpen,
		K:              money.MustParse("0.5"),
		WindowEnd:      windowEnd,
		Status:         auction.StatusCollecting,
		ApprovalStatus: auction.ApprovalApproved,
		CreatorID:      1,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.repo.Create(f.ctx, a))
	return a
}

func (f *fixture) placeCross(t *testing.T, auctionID, bidder, asker int64) {
	reserve := money.MustParse("10")
	_, err := f.wallets.Deposit(f.ctx, bidder, reserve, nil)
	require.NoError(t, err)
	res, err := f.wallets.Reserve(f.ctx, bidder, reserve, nil)
	require.NoError(t, err)
	require.NoError(t, f.repo.CreateOrder(f.ctx, &auction.Order{
		AuctionID: auctionID, TraderID: bidder, Side: clearing.SideBid,
		Price: money.MustParse("10"), Quantity: money.MustParse("1"),
		Status: auction.OrderOpen, ClearedQuantity: decimal.Zero,
		ReservedAmount: &reserve, ReserveTxID: &res.TxID,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.repo.CreateOrder(f.ctx, &auction.Order{
		AuctionID: auctionID, TraderID: asker, Side: clearing.SideAsk,
		Price: money.MustParse("10"), Quantity: money.MustParse("1"),
		Status: auction.OrderOpen, ClearedQuantity: decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}))
}

// TestTick_ClosesExpiredWindow 窗口过期: 关闭、释放冻结、不清算
func TestTick_ClosesExpiredWindow(t *testing.T) {
	f := setup(t, 300*time.Second)
	now := time.Now().UTC()
	end := now.Add(-time.Second)
	a := f.newAuction(t, &end)
	f.placeCross(t, a.ID, 100, 200)

	f.sched.Tick(f.ctx, now)

	got, err := f.repo.Get(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	// 不产生轮次行
	rounds, err := f.repo.Rounds(f.ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rounds)

	// bid 冻结返还
	bal, err := f.wallets.BalanceOf(f.ctx, 100)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(money.MustParse("10")))
	assert.True(t, bal.Reserved.IsZero())
}

// TestTick_ClearsDueAuction 到期拍卖清算并排下一跳
func TestTick_ClearsDueAuction(t *testing.T) {
	f := setup(t, 300*time.Second)
	now := time.Now().UTC()
	a := f.newAuction(t, nil)
	f.placeCross(t, a.ID, 100, 200)

	f.sched.Tick(f.ctx, now)

	got, err := f.repo.Get(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentRound)
	require.NotNil(t, got.LastClearingAt)
	require.NotNil(t, got.NextClearingAt)
	assert.WithinDuration(t, now.Add(300*time.Second), *got.NextClearingAt, time.Second)
}

// TestTick_Throttle 距上轮不足 Gmin 只后移 next_clearing_at
func TestTick_Throttle(t *testing.T) {
	f := setup(t, 300*time.Second)
	now := time.Now().UTC()
	a := f.newAuction(t, nil)
	f.placeCross(t, a.ID, 100, 200)

	// 第一轮
	f.sched.Tick(f.ctx, now)
	got, err := f.repo.Get(f.ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentRound)

	// 10 秒后强行把 next_clearing_at 置为到期，限流必须拦住
	soon := now.Add(10 * time.Second)
	require.NoError(t, f.repo.SetNextClearing(f.ctx, a.ID, soon))
	f.sched.Tick(f.ctx, soon)

	got, err = f.repo.Get(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentRound, "限流期内不得再清算")
	require.NotNil(t, got.NextClearingAt)
	assert.WithinDuration(t, got.LastClearingAt.Add(300*time.Second), *got.NextClearingAt, time.Second)

	// 一个周期后正常清算 (P10: 两轮间隔 >= Gmin)
	later := now.Add(301 * time.Second)
	f.placeCross(t, a.ID, 101, 201)
	f.sched.Tick(f.ctx, later)
	got, err = f.repo.Get(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentRound)
}

// TestTick_MonotoneRounds 轮次号 1,2,3 无空洞
func TestTick_MonotoneRounds(t *testing.T) {
	f := setup(t, 300*time.Second)
	now := time.Now().UTC()
	a := f.newAuction(t, nil)

	for i := 0; i < 3; i++ {
		f.sched.Tick(f.ctx, now.Add(time.Duration(i)*301*time.Second))
	}

	rounds, err := f.repo.Rounds(f.ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	for i, r := range rounds {
		assert.Equal(t, 3-i, r.RoundNumber)
	}
}

// TestTick_ErrorIsolation 单场清算失败不影响同跳其他拍卖
func TestTick_ErrorIsolation(t *testing.T) {
	f := setup(t, 300*time.Second)
	now := time.Now().UTC()

	bad := f.newAuction(t, nil)
	// 没有真实冻结的 bid: 结算时 spend 失败
	fake := money.MustParse("10")
	require.NoError(t, f.repo.CreateOrder(f.ctx, &auction.Order{
		AuctionID: bad.ID, TraderID: 300, Side: clearing.SideBid,
		Price: money.MustParse("10"), Quantity: money.MustParse("1"),
		Status: auction.OrderOpen, ClearedQuantity: decimal.Zero,
		ReservedAmount: &fake, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.repo.CreateOrder(f.ctx, &auction.Order{
		AuctionID: bad.ID, TraderID: 301, Side: clearing.SideAsk,
		Price: money.MustParse("10"), Quantity: money.MustParse("1"),
		Status: auction.OrderOpen, ClearedQuantity: decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}))

	good := f.newAuction(t, nil)
	f.placeCross(t, good.ID, 100, 200)

	f.sched.Tick(f.ctx, now)

	gotBad, err := f.repo.Get(f.ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotBad.CurrentRound, "失败拍卖轮次不推进")

	gotGood, err := f.repo.Get(f.ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotGood.CurrentRound, "正常拍卖照常清算")
}

// TestStartStop 生命周期: 后台循环会驱动清算
func TestStartStop(t *testing.T) {
	f := setup(t, 20*time.Millisecond)
	a := f.newAuction(t, nil)

	f.sched.Start()
	f.sched.Start() // 重复调用无操作
	defer f.sched.Stop()

	assert.Eventually(t, func() bool {
		got, err := f.repo.Get(f.ctx, a.ID)
		return err == nil && got.CurrentRound >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
