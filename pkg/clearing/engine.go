// 文件: pkg/clearing/engine.go
// 清算引擎 - k-double call market
//
// 纯函数，无 I/O。一轮清算:
//
// 1. 过滤非法订单，按方向拆分
// 2. 价格网格 = 双边价格的有序去重并集
// 3. 网格上做累计需求/供给 (前缀/后缀和，O(N log N))
// 4. p* = 最大化 min(D,S) 的网格价；平手先比 |D-S| 小，再比价高
// 5. 按优先级走单求双边边际价 (bid_marginal / ask_marginal)
// 6. price = k*ask_marginal + (1-k)*bid_marginal，夹进边际区间后量化
// 7. 分配: 价格优先 + 时间优先，严格不按比例 (no pro-rata)；
//    量化残差由每边最后一笔吸收，保证双边合计恰好等于成交量
//
// k=0 时 price=bid_marginal (利好卖方)，k=1 时 price=ask_marginal (利好买方)。

package clearing

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Vladus-CPU/dbauc2/pkg/money"
)

var ErrInvalidK = errors.New("parameter k must be between 0 and 1")

var one = decimal.NewFromInt(1)

// =============================================================================
// 优先级
// =============================================================================

// priorityLess 同价订单的次级优先级
// iteration (上一轮带入的订单) > created_at > id
func priorityLess(a, b *Order) bool {
	ra, rb := priorityRank(a), priorityRank(b)
	if ra != rb {
		return ra < rb
	}
	switch ra {
	case 0:
		if *a.Iteration != *b.Iteration {
			return *a.Iteration < *b.Iteration
		}
	case 1:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}

func priorityRank(o *Order) int {
	if o.Iteration != nil {
		return 0
	}
	if !o.CreatedAt.IsZero() {
		return 1
	}
	return 2
}

// sortBids 买单: 价高者先，同价按次级优先级
func sortBids(bids []*Order) {
	sort.SliceStable(bids, func(i, j int) bool {
		if !bids[i].Price.Equal(bids[j].Price) {
			return bids[i].Price.GreaterThan(bids[j].Price)
		}
		return priorityLess(bids[i], bids[j])
	})
}

// sortAsks 卖单: 价低者先
func sortAsks(asks []*Order) {
	sort.SliceStable(asks, func(i, j int) bool {
		if !asks[i].Price.Equal(asks[j].Price) {
			return asks[i].Price.LessThan(asks[j].Price)
		}
		return priorityLess(asks[i], asks[j])
	})
}

// =============================================================================
// Clear
// =============================================================================

// Clear 对一组订单执行一轮 k-double 清算
func Clear(orders []Order, k decimal.Decimal) (*Result, error) {
	if k.LessThan(decimal.Zero) || k.GreaterThan(one) {
		return nil, ErrInvalidK
	}

	// 过滤: price/quantity <= 0 的订单直接丢弃
	var bids, asks []*Order
	for i := range orders {
		o := &orders[i]
		if !o.Price.IsPositive() || !o.Quantity.IsPositive() {
			continue
		}
		switch o.Side {
		case SideBid:
			bids = append(bids, o)
		case SideAsk:
			asks = append(asks, o)
		}
	}
	if len(bids) == 0 || len(asks) == 0 {
		return &Result{Volume: decimal.Zero, Demand: decimal.Zero, Supply: decimal.Zero}, nil
	}

	sortBids(bids)
	sortAsks(asks)

	// 价格网格 (升序去重)
	grid := buildGrid(bids, asks)

	// 累计曲线: demand[i] = Σ qty(bid.price >= grid[i]) 单调不增
	//           supply[i] = Σ qty(ask.price <= grid[i]) 单调不减
	demand := cumulativeDemand(bids, grid)
	supply := cumulativeSupply(asks, grid)

	// p* 选择
	bestIdx, bestZeroIdx := -1, -1
	for i := range grid {
		traded := money.Min(demand[i], supply[i])
		if traded.IsPositive() {
			if bestIdx < 0 || betterCandidate(demand, supply, i, bestIdx) {
				bestIdx = i
			}
		} else if bestZeroIdx < 0 || betterCandidate(demand, supply, i, bestZeroIdx) {
			bestZeroIdx = i
		}
	}

	if bestIdx < 0 {
		// 无成交: 报告最优候选价位上的供需
		res := &Result{Volume: decimal.Zero, Demand: decimal.Zero, Supply: decimal.Zero}
		if bestZeroIdx >= 0 {
			res.Demand = money.Quant6(demand[bestZeroIdx])
			res.Supply = money.Quant6(supply[bestZeroIdx])
		}
		return res, nil
	}

	pStar := grid[bestIdx]
	demandAtStar := demand[bestIdx]
	supplyAtStar := supply[bestIdx]
	tradeQty := money.Min(demandAtStar, supplyAtStar)

	// 双边走单: 边际价 = 每边最后一笔被执行订单的报价
	bidAllocs, bidMarginal := walkSide(bids, tradeQty, func(o *Order) bool {
		return o.Price.GreaterThanOrEqual(pStar)
	})
	askAllocs, askMarginal := walkSide(asks, tradeQty, func(o *Order) bool {
		return o.Price.LessThanOrEqual(pStar)
	})
	if len(bidAllocs) == 0 || len(askAllocs) == 0 || bidMarginal == nil || askMarginal == nil {
		return &Result{
			Volume: decimal.Zero,
			Demand: money.Quant6(demandAtStar),
			Supply: money.Quant6(supplyAtStar),
			PStar:  &pStar,
		}, nil
	}

	low := money.Min(*askMarginal, *bidMarginal)
	high := money.Max(*askMarginal, *bidMarginal)

	// k-blend: k·ask_marginal + (1-k)·bid_marginal
	price := k.Mul(*askMarginal).Add(one.Sub(k).Mul(*bidMarginal))
	price = money.Quant6(money.Clamp(price, low, high))

	// 残差吸收后双边合计恰好等于 tradeQty
	bidAllocs = finalizeAllocations(bidAllocs, tradeQty)
	askAllocs = finalizeAllocations(askAllocs, tradeQty)

	lowQ, highQ := money.Quant6(low), money.Quant6(high)
	return &Result{
		Price:       &price,
		Volume:      money.Quant6(tradeQty),
		Allocations: append(bidAllocs, askAllocs...),
		Demand:      money.Quant6(demandAtStar),
		Supply:      money.Quant6(supplyAtStar),
		PriceLow:    &lowQ,
		PriceHigh:   &highQ,
		PStar:       &pStar,
	}, nil
}

// =============================================================================
// 内部
// =============================================================================

func buildGrid(bids, asks []*Order) []decimal.Decimal {
	seen := make(map[string]struct{}, len(bids)+len(asks))
	grid := make([]decimal.Decimal, 0, len(bids)+len(asks))
	add := func(p decimal.Decimal) {
		key := p.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			grid = append(grid, p)
		}
	}
	for _, b := range bids {
		add(b.Price)
	}
	for _, a := range asks {
		add(a.Price)
	}
	sort.Slice(grid, func(i, j int) bool { return grid[i].LessThan(grid[j]) })
	return grid
}

// cumulativeDemand 后缀和: 网格升序，D(p) 对更高的 p 只减不增
func cumulativeDemand(bids []*Order, grid []decimal.Decimal) []decimal.Decimal {
	perLevel := make([]decimal.Decimal, len(grid))
	for i := range perLevel {
		perLevel[i] = decimal.Zero
	}
	for _, b := range bids {
		idx := sort.Search(len(grid), func(i int) bool { return grid[i].GreaterThanOrEqual(b.Price) })
		perLevel[idx] = perLevel[idx].Add(b.Quantity)
	}
	out := make([]decimal.Decimal, len(grid))
	running := decimal.Zero
	for i := len(grid) - 1; i >= 0; i-- {
		running = running.Add(perLevel[i])
		out[i] = running
	}
	return out
}

// cumulativeSupply 前缀和
func cumulativeSupply(asks []*Order, grid []decimal.Decimal) []decimal.Decimal {
	perLevel := make([]decimal.Decimal, len(grid))
	for i := range perLevel {
		perLevel[i] = decimal.Zero
	}
	for _, a := range asks {
		idx := sort.Search(len(grid), func(i int) bool { return grid[i].GreaterThanOrEqual(a.Price) })
		perLevel[idx] = perLevel[idx].Add(a.Quantity)
	}
	out := make([]decimal.Decimal, len(grid))
	running := decimal.Zero
	for i := range grid {
		running = running.Add(perLevel[i])
		out[i] = running
	}
	return out
}

// betterCandidate 网格价 i 是否优于当前最优 j
// 顺序: 成交量大 > 失衡 |D-S| 小 > 价格高
func betterCandidate(demand, supply []decimal.Decimal, i, j int) bool {
	ti := money.Min(demand[i], supply[i])
	tj := money.Min(demand[j], supply[j])
	if !ti.Equal(tj) {
		return ti.GreaterThan(tj)
	}
	imbI := demand[i].Sub(supply[i]).Abs()
	imbJ := demand[j].Sub(supply[j]).Abs()
	if !imbI.Equal(imbJ) {
		return imbI.LessThan(imbJ)
	}
	return i > j // 网格升序，下标大 == 价格高
}

// walkSide 按优先级顺序给一边分配成交量，返回分配与边际价
func walkSide(side []*Order, tradeQty decimal.Decimal, eligible func(*Order) bool) ([]Allocation, *decimal.Decimal) {
	remaining := tradeQty
	var allocs []Allocation
	var marginal *decimal.Decimal
	for _, o := range side {
		if !remaining.IsPositive() {
			break
		}
		if !eligible(o) {
			continue
		}
		fill := money.Min(o.Quantity, remaining)
		if !fill.IsPositive() {
			continue
		}
		remaining = remaining.Sub(fill)
		allocs = append(allocs, Allocation{OrderID: o.ID, ClearedQty: fill, Side: o.Side})
		p := o.Price
		marginal = &p
	}
	return allocs, marginal
}

// finalizeAllocations 量化每笔分配并让最后一笔吸收残差，
// 使该边的合计精确等于 target
func finalizeAllocations(entries []Allocation, target decimal.Decimal) []Allocation {
	if len(entries) == 0 {
		return entries
	}
	running := decimal.Zero
	last := len(entries) - 1
	for i := range entries {
		qty := entries[i].ClearedQty
		if i == last {
			qty = target.Sub(running)
		}
		qty = money.Quant6(qty)
		if qty.IsNegative() {
			qty = decimal.Zero
		}
		entries[i].ClearedQty = qty
		running = running.Add(qty)
	}
	return entries
}
