// 文件: pkg/clearing/model.go
// 清算引擎 - 输入/输出模型

package clearing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBid Side = "bid" // 买
	SideAsk Side = "ask" // 卖
)

// Order 清算输入订单
// 引擎只读 Side/Price/Quantity 与优先级字段 (Iteration/CreatedAt/ID)，
// ReservedAmount/ReserveTxID 由结算管线消费
type Order struct {
	ID             int64
	TraderID       int64
	Side           Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Iteration      *int
	CreatedAt      time.Time
	ReservedAmount *decimal.Decimal
	ReserveTxID    *int64
}

// Allocation 单笔成交分配
type Allocation struct {
	OrderID    int64
	ClearedQty decimal.Decimal
	Side       Side
}

// Result 一轮清算的结果
//
// Price 为 nil 表示本轮无成交。
// Demand/Supply 是 p_star 水平上的累计需求/供给；
// 无成交时报告最优候选价位上的数值。
type Result struct {
	Price       *decimal.Decimal
	Volume      decimal.Decimal
	Allocations []Allocation
	Demand      decimal.Decimal
	Supply      decimal.Decimal
	PriceLow    *decimal.Decimal
	PriceHigh   *decimal.Decimal
	PStar       *decimal.Decimal
}

// Empty 本轮是否无成交
func (r *Result) Empty() bool {
	return r.Price == nil || !r.Volume.IsPositive()
}

// BidAllocations / AskAllocations 按方向过滤
func (r *Result) BidAllocations() []Allocation { return r.filter(SideBid) }
func (r *Result) AskAllocations() []Allocation { return r.filter(SideAsk) }

func (r *Result) filter(side Side) []Allocation {
	out := make([]Allocation, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		if a.Side == side {
			out = append(out, a)
		}
	}
	return out
}
