// 文件: pkg/book/book.go
// 盘口模块 - 价位聚合与指标
//
// 对一场拍卖的 open 订单做展示层聚合: 同价合并成价位档，
// 买档降序、卖档升序。call market 收单期允许交叉盘口 (spread < 0)。

package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
)

var kStep = decimal.RequireFromString("0.15")

// Level 一个价位档
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Book 聚合后的盘口
type Book struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Metrics 盘口指标
type Metrics struct {
	BestBid     *decimal.Decimal `json:"bestBid"`
	BestAsk     *decimal.Decimal `json:"bestAsk"`
	Spread      *decimal.Decimal `json:"spread"`
	MidPrice    *decimal.Decimal `json:"midPrice"`
	TotalBidQty decimal.Decimal  `json:"totalBidQty"`
	TotalAskQty decimal.Decimal  `json:"totalAskQty"`
	Imbalance   decimal.Decimal  `json:"imbalance"`
	OpenOrders  int              `json:"openOrders"`
}

// Build 聚合订单成盘口
func Build(orders []clearing.Order) *Book {
	bidLevels := map[string]*Level{}
	askLevels := map[string]*Level{}
	for i := range orders {
		o := &orders[i]
		if !o.Price.IsPositive() || !o.Quantity.IsPositive() {
			continue
		}
		levels := bidLevels
		if o.Side == clearing.SideAsk {
			levels = askLevels
		}
		key := o.Price.String()
		lvl, ok := levels[key]
		if !ok {
			lvl = &Level{Price: o.Price, Quantity: decimal.Zero}
			levels[key] = lvl
		}
		lvl.Quantity = lvl.Quantity.Add(o.Quantity)
		lvl.Orders++
	}

	b := &Book{
		Bids: collect(bidLevels),
		Asks: collect(askLevels),
	}
	// 买档价高者先，卖档价低者先
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
	return b
}

func collect(levels map[string]*Level) []Level {
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, *lvl)
	}
	return out
}

// ComputeMetrics 盘口指标
// spread = best_ask - best_bid，收单期可以为负 (交叉盘口)
// imbalance = (bidQty - askQty) / (bidQty + askQty) ∈ [-1, 1]
func (b *Book) ComputeMetrics() *Metrics {
	m := &Metrics{
		TotalBidQty: decimal.Zero,
		TotalAskQty: decimal.Zero,
		Imbalance:   decimal.Zero,
	}
	for _, lvl := range b.Bids {
		m.TotalBidQty = m.TotalBidQty.Add(lvl.Quantity)
		m.OpenOrders += lvl.Orders
	}
	for _, lvl := range b.Asks {
		m.TotalAskQty = m.TotalAskQty.Add(lvl.Quantity)
		m.OpenOrders += lvl.Orders
	}

	if len(b.Bids) > 0 {
		best := b.Bids[0].Price
		m.BestBid = &best
	}
	if len(b.Asks) > 0 {
		best := b.Asks[0].Price
		m.BestAsk = &best
	}
	if m.BestBid != nil && m.BestAsk != nil {
		spread := m.BestAsk.Sub(*m.BestBid)
		mid := m.BestBid.Add(*m.BestAsk).Div(decimal.NewFromInt(2))
		mid = money.Quant6(mid)
		m.Spread = &spread
		m.MidPrice = &mid
	}

	total := m.TotalBidQty.Add(m.TotalAskQty)
	if total.IsPositive() {
		m.Imbalance = m.TotalBidQty.Sub(m.TotalAskQty).Div(total)
	}
	return m
}

// AdaptiveK 自适应 k 提示: k - 0.15*imbalance，夹到 [0,1]
// 买压大 (imbalance > 0) 时压低 k，把价格推向 bid_marginal
func AdaptiveK(current, imbalance decimal.Decimal) decimal.Decimal {
	k := current.Sub(kStep.Mul(imbalance))
	return money.Quant6(money.Clamp(k, decimal.Zero, decimal.NewFromInt(1)))
}
