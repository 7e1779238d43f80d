// 文件: cmd/simulation/main.go
// 全链路演练: 内存 SQLite 上跑完整的 报单->清算->结算 流程
//
// 不依赖外部服务: 无 MySQL、无 Kafka/NATS/Redis、无 HTTP。
// 机器人交易者在基准价附近随机双边报价，调度器按模拟时钟逐跳推进，
// 结束后打印资金与库存守恒检查。

package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/migrate"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
	"github.com/Vladus-CPU/dbauc2/pkg/scheduler"
	"github.com/Vladus-CPU/dbauc2/pkg/settle"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

const (
	numTraders = 8
	numRounds  = 5
	product    = "wheat"
)

var basePrice = decimal.NewFromInt(100)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("[SIM] starting auction simulation")

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatalf("[SIM] open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("[SIM] sql db: %v", err)
	}
	// :memory: 每个连接一个库，收紧到单连接
	sqlDB.SetMaxOpenConns(1)

	if err := migrate.Run(db); err != nil {
		log.Fatalf("[SIM] migrate: %v", err)
	}
	if err := auction.InitSnowflake(0); err != nil {
		log.Fatalf("[SIM] init snowflake: %v", err)
	}

	ctx := context.Background()
	repo := auction.NewRepo(db)
	wallets := wallet.NewService(db)
	stock := inventory.NewStore(db)
	pipeline := settle.NewPipeline(db, nil, nil, nil)
	interval := 300 * time.Second
	sched := scheduler.New(db, pipeline, interval)

	// -------------------------------------------------------------------------
	// 1. 拍卖 + 机器人交易者
	// -------------------------------------------------------------------------
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	admin := &auth.User{Username: "sim_admin", IsAdmin: true, CreatedAt: now}
	if err := db.Create(admin).Error; err != nil {
		log.Fatalf("[SIM] create admin: %v", err)
	}

	windowEnd := now.Add(time.Duration(numRounds+1) * interval)
	a := &auction.Auction{
		Product:        product,
		Type:           auction.TypeOpen,
		K:              decimal.NewFromFloat(0.5),
		WindowEnd:      &windowEnd,
		Status:         auction.StatusCollecting,
		ApprovalStatus: auction.ApprovalApproved,
		CreatorID:      admin.ID,
		CreatedAt:      now,
	}
	if err := repo.Create(ctx, a); err != nil {
		log.Fatalf("[SIM] create auction: %v", err)
	}
	log.Printf("[SIM] auction #%d product=%s k=%s window ends %s",
		a.ID, a.Product, a.K.String(), windowEnd.Format(time.RFC3339))

	bankroll := money.MustParse("10000")
	seedStock := money.MustParse("100")
	traders := make([]*auth.User, 0, numTraders)
	for i := 0; i < numTraders; i++ {
		u := &auth.User{Username: "sim_trader_" + strconv.Itoa(i), CreatedAt: now}
		if err := db.Create(u).Error; err != nil {
			log.Fatalf("[SIM] create trader: %v", err)
		}
		if _, err := wallets.Deposit(ctx, u.ID, bankroll, nil); err != nil {
			log.Fatalf("[SIM] deposit: %v", err)
		}
		if err := stock.Adjust(ctx, u.ID, product, seedStock, "simulation seed"); err != nil {
			log.Fatalf("[SIM] seed inventory: %v", err)
		}
		if _, err := repo.Join(ctx, a, u.ID, nil); err != nil {
			log.Fatalf("[SIM] join: %v", err)
		}
		traders = append(traders, u)
	}
	log.Printf("[SIM] %d traders funded with %s cash and %s %s each",
		numTraders, bankroll.String(), seedStock.String(), product)

	totalCash := bankroll.Mul(decimal.NewFromInt(numTraders))
	totalStock := seedStock.Mul(decimal.NewFromInt(numTraders))

	// -------------------------------------------------------------------------
	// 2. 逐轮: 随机报单 -> 调度器一跳
	// -------------------------------------------------------------------------
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for round := 1; round <= numRounds; round++ {
		for i, u := range traders {
			// 基准价 ±10%，买卖各半
			jitter := decimal.NewFromFloat(0.9 + rng.Float64()*0.2)
			price := money.Quant6(basePrice.Mul(jitter))
			qty := decimal.NewFromInt(rng.Int63n(5) + 1)
			side := clearing.SideBid
			if i%2 == 1 {
				side = clearing.SideAsk
			}
			if err := placeOrder(ctx, db, a, u.ID, side, price, qty, now); err != nil {
				log.Printf("[SIM] trader %s %s %s@%s skipped: %v",
					u.Username, side, qty.String(), price.String(), err)
			}
		}

		sched.Tick(ctx, now)
		now = now.Add(interval)
	}

	// -------------------------------------------------------------------------
	// 3. 收尾: 关闭拍卖，守恒检查
	// -------------------------------------------------------------------------
	if err := pipeline.CloseAuction(ctx, a.ID, now); err != nil {
		log.Fatalf("[SIM] close auction: %v", err)
	}

	rounds, err := repo.Rounds(ctx, a.ID, numRounds)
	if err != nil {
		log.Fatalf("[SIM] list rounds: %v", err)
	}
	log.Printf("[SIM] ===== %d rounds settled =====", len(rounds))
	for i := len(rounds) - 1; i >= 0; i-- {
		r := rounds[i]
		if r.ClearingVolume == nil {
			log.Printf("[SIM] round #%d: no cross", r.RoundNumber)
			continue
		}
		log.Printf("[SIM] round #%d: price=%s volume=%s matched=%d",
			r.RoundNumber, r.ClearingPrice.String(), r.ClearingVolume.String(), r.MatchedOrders)
	}

	cash := decimal.Zero
	qty := decimal.Zero
	for _, u := range traders {
		bal, err := wallets.BalanceOf(ctx, u.ID)
		if err != nil {
			log.Fatalf("[SIM] balance: %v", err)
		}
		held, err := stock.QuantityOf(ctx, u.ID, product)
		if err != nil {
			log.Fatalf("[SIM] inventory: %v", err)
		}
		cash = cash.Add(bal.Available).Add(bal.Reserved)
		qty = qty.Add(held)
		log.Printf("[SIM] %s: available=%s reserved=%s %s=%s",
			u.Username, bal.Available.String(), bal.Reserved.String(), product, held.String())
	}

	log.Printf("[SIM] cash conservation: before=%s after=%s", totalCash.String(), cash.String())
	log.Printf("[SIM] stock conservation: before=%s after=%s", totalStock.String(), qty.String())
	if !cash.Equal(totalCash) || !qty.Equal(totalStock) {
		log.Println("[SIM] conservation check FAILED")
		os.Exit(1)
	}
	log.Println("[SIM] conservation check passed, done")
}

// placeOrder 落一笔订单，bid 先冻结资金
func placeOrder(ctx context.Context, db *gorm.DB, a *auction.Auction, traderID int64, side clearing.Side, price, qty decimal.Decimal, now time.Time) error {
	return db.Transaction(func(tx *gorm.DB) error {
		repo := auction.NewRepo(tx)
		o := &auction.Order{
			ID:              auction.GenerateOrderID(),
			AuctionID:       a.ID,
			TraderID:        traderID,
			Side:            side,
			Price:           price,
			Quantity:        money.Quant6(qty),
			Status:          auction.OrderOpen,
			ClearedQuantity: decimal.Zero,
			CreatedAt:       now,
		}
		if side == clearing.SideBid {
			reserved := money.Quant6(price.Mul(qty))
			res, err := wallet.NewService(tx).Reserve(ctx, traderID, reserved, map[string]any{
				"auctionId": a.ID, "orderId": o.ID,
			})
			if err != nil {
				return err
			}
			o.ReservedAmount = &reserved
			o.ReserveTxID = &res.TxID
		}
		return repo.CreateOrder(ctx, o)
	})
}
