// 文件: pkg/settle/pipeline.go
// 结算管线 - 把清算结果落到持久状态
//
// 一轮结算在单个数据库事务内完成:
// 1. 行级锁读拍卖，轮次号 = current_round + 1
// 2. 读 open 订单，跑清算引擎
// 3. 回写订单 (全成转 cleared，部分成交扣量保持 open)
// 4. 钱包: bid spend+release，ask deposit
// 5. 库存增减 + 审计流水
// 6. 轮次行 (空轮也写) + 全量库存快照
// 7. 带 current_round 条件回写拍卖行，防并发双清
//
// 提交后的尽力而为副作用: 成交回执、轮次事件、盘口缓存失效。

package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/book"
	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
	"github.com/Vladus-CPU/dbauc2/pkg/docs"
	"github.com/Vladus-CPU/dbauc2/pkg/events"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

var ErrNotCollecting = errors.New("auction is not collecting")

// Pipeline 结算管线
type Pipeline struct {
	db    *gorm.DB
	docs  *docs.Writer
	sink  events.Sink
	cache *book.Cache
}

func NewPipeline(db *gorm.DB, writer *docs.Writer, sink events.Sink, cache *book.Cache) *Pipeline {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Pipeline{db: db, docs: writer, sink: sink, cache: cache}
}

// Outcome 一轮结算的结果
type Outcome struct {
	Auction *auction.Auction
	Round   *auction.ClearingRound
	Result  *clearing.Result
}

// tradeDoc 提交后要落盘的回执
type tradeDoc struct {
	doc docs.TradeDoc
}

// RunRound 对一场拍卖执行一轮清算+结算
// next 非 nil 时顺带写 next_clearing_at (调度器传 now+T，手动清算传 nil)
func (p *Pipeline) RunRound(ctx context.Context, auctionID int64, now time.Time, next *time.Time) (*Outcome, error) {
	var (
		outcome *Outcome
		pending []tradeDoc
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, pending, err = p.runRoundTx(ctx, tx, auctionID, now, next)
		return err
	})
	if err != nil {
		return nil, err
	}

	// 提交后副作用，失败只记日志
	for i := range pending {
		if _, derr := p.docs.Write(&pending[i].doc); derr != nil {
			log.Printf("[SETTLE] auction #%d: write trade doc: %v", auctionID, derr)
		}
	}
	p.sink.PublishRound(&events.RoundSettled{
		AuctionID:     outcome.Auction.ID,
		Product:       outcome.Auction.Product,
		RoundNumber:   outcome.Round.RoundNumber,
		ClearingPrice: outcome.Round.ClearingPrice,
		Volume:        roundVolume(outcome.Round),
		MatchedOrders: outcome.Round.MatchedOrders,
		ClearedAt:     outcome.Round.ClearedAt,
	})
	p.cache.Invalidate(ctx, auctionID)
	return outcome, nil
}

func roundVolume(r *auction.ClearingRound) decimal.Decimal {
	if r.ClearingVolume == nil {
		return decimal.Zero
	}
	return *r.ClearingVolume
}

func (p *Pipeline) runRoundTx(ctx context.Context, tx *gorm.DB, auctionID int64, now time.Time, next *time.Time) (*Outcome, []tradeDoc, error) {
	repo := auction.NewRepo(tx)
	wallets := wallet.NewService(tx)
	stock := inventory.NewStore(tx)

	a, err := repo.GetForUpdate(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != auction.StatusCollecting {
		return nil, nil, ErrNotCollecting
	}

	orders, err := repo.OpenOrders(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}

	input := make([]clearing.Order, 0, len(orders))
	byID := make(map[int64]*auction.Order, len(orders))
	totalBids, totalAsks := 0, 0
	for _, o := range orders {
		input = append(input, o.ToClearing())
		byID[o.ID] = o
		if o.Side == clearing.SideBid {
			totalBids++
		} else {
			totalAsks++
		}
	}

	result, err := clearing.Clear(input, a.K)
	if err != nil {
		return nil, nil, err
	}

	roundNumber := a.CurrentRound + 1
	var pending []tradeDoc

	if !result.Empty() {
		price := *result.Price
		for _, alloc := range result.Allocations {
			o := byID[alloc.OrderID]
			if o == nil {
				return nil, nil, fmt.Errorf("allocation for unknown order #%d", alloc.OrderID)
			}
			if err := p.applyFill(ctx, repo, wallets, stock, a, o, alloc, price, roundNumber); err != nil {
				return nil, nil, err
			}
			role := "buyer"
			if alloc.Side == clearing.SideAsk {
				role = "seller"
			}
			pending = append(pending, tradeDoc{doc: docs.TradeDoc{
				AuctionID: a.ID,
				TraderID:  o.TraderID,
				Role:      role,
				Product:   a.Product,
				Price:     price,
				Quantity:  alloc.ClearedQty,
				Timestamp: now,
			}})
		}
	}

	// 轮次行: 空轮也写
	round := &auction.ClearingRound{
		AuctionID:      a.ID,
		RoundNumber:    roundNumber,
		ClearingPrice:  result.Price,
		ClearingDemand: &result.Demand,
		ClearingSupply: &result.Supply,
		TotalBids:      totalBids,
		TotalAsks:      totalAsks,
		MatchedOrders:  len(result.Allocations),
		ClearedAt:      now,
	}
	if !result.Empty() {
		vol := result.Volume
		round.ClearingVolume = &vol
	}
	if err := repo.CreateRound(ctx, round); err != nil {
		return nil, nil, err
	}

	// 全量库存快照
	snap, err := stock.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.SaveSnapshot(ctx, &auction.InventorySnapshot{
		AuctionID:    a.ID,
		RoundNumber:  roundNumber,
		SnapshotData: raw,
		CreatedAt:    now,
	}); err != nil {
		return nil, nil, err
	}

	// 回写拍卖行
	prevRound := a.CurrentRound
	a.CurrentRound = roundNumber
	a.LastClearingAt = &now
	if next != nil {
		a.NextClearingAt = next
	}
	a.ClearingPrice = result.Price
	a.ClearingPriceLow = result.PriceLow
	a.ClearingPriceHigh = result.PriceHigh
	vol, dem, sup := result.Volume, result.Demand, result.Supply
	a.ClearingQuantity = &vol
	a.ClearingDemand = &dem
	a.ClearingSupply = &sup
	if err := repo.SaveClearingState(ctx, a, prevRound); err != nil {
		return nil, nil, err
	}

	return &Outcome{Auction: a, Round: round, Result: result}, pending, nil
}

// applyFill 落一笔成交: 订单行 + 钱包 + 库存
func (p *Pipeline) applyFill(
	ctx context.Context,
	repo *auction.Repo,
	wallets *wallet.Service,
	stock *inventory.Store,
	a *auction.Auction,
	o *auction.Order,
	alloc clearing.Allocation,
	price decimal.Decimal,
	roundNumber int,
) error {
	clearedQty := alloc.ClearedQty
	fullFill := clearedQty.GreaterThanOrEqual(o.Quantity)
	notes := fmt.Sprintf("Auction #%d, round #%d, order #%d", a.ID, roundNumber, o.ID)
	meta := map[string]any{
		"auctionId": a.ID,
		"round":     roundNumber,
		"orderId":   o.ID,
	}

	if alloc.Side == clearing.SideBid {
		spent := money.Quant6(price.Mul(clearedQty))
		reserved := money.Quant6(o.Price.Mul(o.Quantity))
		if o.ReservedAmount != nil {
			reserved = *o.ReservedAmount
		}

		// 部分成交只花销已成交份额: spend 清算价、release 限价差，
		// 剩余冻结留给后续轮次 (跨轮 spend+release 合计 == 原始冻结)
		var refund decimal.Decimal
		if fullFill {
			refund = reserved.Sub(spent)
		} else {
			refund = money.Quant6(o.Price.Mul(clearedQty)).Sub(spent)
		}
		if refund.IsNegative() {
			refund = decimal.Zero
		}

		if _, err := wallets.Spend(ctx, o.TraderID, spent, meta); err != nil {
			return fmt.Errorf("spend for order #%d: %w", o.ID, err)
		}
		if refund.IsPositive() {
			if _, err := wallets.Release(ctx, o.TraderID, refund, meta); err != nil {
				return fmt.Errorf("release for order #%d: %w", o.ID, err)
			}
		}

		remaining := reserved.Sub(spent).Sub(refund)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		if fullFill {
			remaining = decimal.Zero
		}
		o.ReservedAmount = &remaining

		if err := stock.Adjust(ctx, o.TraderID, a.Product, clearedQty, notes); err != nil {
			return err
		}
	} else {
		proceeds := money.Quant6(price.Mul(clearedQty))
		if _, err := wallets.Deposit(ctx, o.TraderID, proceeds, meta); err != nil {
			return fmt.Errorf("deposit for order #%d: %w", o.ID, err)
		}
		if err := stock.Adjust(ctx, o.TraderID, a.Product, clearedQty.Neg(), notes); err != nil {
			return err
		}
	}

	// 订单行回写
	o.ClearedQuantity = o.ClearedQuantity.Add(clearedQty)
	clearedPrice := price
	o.ClearedPrice = &clearedPrice
	iter := roundNumber
	o.Iteration = &iter
	if fullFill {
		o.Status = auction.OrderCleared
		o.Quantity = decimal.Zero
	} else {
		o.Quantity = o.Quantity.Sub(clearedQty)
	}
	return repo.SaveOrder(ctx, o)
}

// encodeSnapshot trader -> product -> quantity 的 JSON 编码
// 数量用字符串避免浮点
func encodeSnapshot(snap map[int64]map[string]decimal.Decimal) (string, error) {
	out := make(map[string]map[string]string, len(snap))
	for trader, products := range snap {
		m := make(map[string]string, len(products))
		for product, qty := range products {
			m[product] = qty.String()
		}
		out[strconv.FormatInt(trader, 10)] = m
	}
	raw, err := json.Marshal(out)
	return string(raw), err
}

// CloseAuction 关闭拍卖: 残留 open 订单置 rejected，bid 冻结全额返还
// 手动关闭与窗口到期共用这条路径
func (p *Pipeline) CloseAuction(ctx context.Context, auctionID int64, now time.Time) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := auction.NewRepo(tx)
		wallets := wallet.NewService(tx)

		a, err := repo.GetForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.Status == auction.StatusClosed {
			return nil
		}

		rejected, err := repo.RejectOpenOrders(ctx, auctionID)
		if err != nil {
			return err
		}
		for _, o := range rejected {
			if o.Side != clearing.SideBid || o.ReservedAmount == nil || !o.ReservedAmount.IsPositive() {
				continue
			}
			meta := map[string]any{"auctionId": a.ID, "orderId": o.ID, "reason": "auction closed"}
			if _, err := wallets.Release(ctx, o.TraderID, *o.ReservedAmount, meta); err != nil {
				return fmt.Errorf("release for order #%d: %w", o.ID, err)
			}
		}
		return repo.Close(ctx, auctionID, now)
	})
	if err != nil {
		return err
	}
	p.cache.Invalidate(ctx, auctionID)
	return nil
}
