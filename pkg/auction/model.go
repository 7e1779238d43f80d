// 文件: pkg/auction/model.go
// 拍卖模块 - 数据模型
//
// 一场拍卖围绕一个 product 收集限价买卖单，周期性地用 k-double
// 规则统一出清。部分成交的订单保持 open 进入下一轮。

package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
)

// =============================================================================
// 状态枚举
// =============================================================================

// Status 拍卖状态
type Status string

const (
	StatusCollecting Status = "collecting" // 收单中
	StatusCleared    Status = "cleared"    // 已出清 (仍可继续收单轮次之外的终态标记)
	StatusClosed     Status = "closed"     // 已关闭
)

// Type 拍卖类型: open 任意加入, closed 需管理员审批
type Type string

const (
	TypeOpen   Type = "open"
	TypeClosed Type = "closed"
)

// ApprovalStatus 审批状态 (拍卖本身与参与者共用)
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderCleared  OrderStatus = "cleared"
	OrderRejected OrderStatus = "rejected"
)

// ListingStatus 商品状态
type ListingStatus string

const (
	ListingDraft     ListingStatus = "draft"
	ListingPublished ListingStatus = "published"
	ListingArchived  ListingStatus = "archived"
)

// =============================================================================
// Auction
// =============================================================================

type Auction struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Product string `gorm:"column:product;type:varchar(128);index"`
	Type    Type   `gorm:"column:type;type:varchar(16)"`

	// k ∈ [0,1]: 0 利好卖方 (price=bid_marginal), 1 利好买方
	K decimal.Decimal `gorm:"column:k;type:decimal(8,6)"`

	WindowStart *time.Time `gorm:"column:window_start"`
	WindowEnd   *time.Time `gorm:"column:window_end"`

	Status         Status         `gorm:"column:status;type:varchar(16);index"`
	ApprovalStatus ApprovalStatus `gorm:"column:approval_status;type:varchar(16)"`

	CreatorID int64  `gorm:"column:creator_id"`
	AdminID   *int64 `gorm:"column:admin_id"`
	ListingID *int64 `gorm:"column:listing_id"`

	// 清算排期
	LastClearingAt *time.Time `gorm:"column:last_clearing_at"`
	NextClearingAt *time.Time `gorm:"column:next_clearing_at;index"`
	CurrentRound   int        `gorm:"column:current_round"`

	// 最近一轮的清算指标
	ClearingPrice     *decimal.Decimal `gorm:"column:clearing_price;type:decimal(32,6)"`
	ClearingQuantity  *decimal.Decimal `gorm:"column:clearing_quantity;type:decimal(32,6)"`
	ClearingDemand    *decimal.Decimal `gorm:"column:clearing_demand;type:decimal(32,6)"`
	ClearingSupply    *decimal.Decimal `gorm:"column:clearing_supply;type:decimal(32,6)"`
	ClearingPriceLow  *decimal.Decimal `gorm:"column:clearing_price_low;type:decimal(32,6)"`
	ClearingPriceHigh *decimal.Decimal `gorm:"column:clearing_price_high;type:decimal(32,6)"`

	CreatedAt time.Time  `gorm:"column:created_at"`
	ClosedAt  *time.Time `gorm:"column:closed_at"`
}

func (Auction) TableName() string { return "auctions" }

// AcceptsOrders 收单窗口判定
func (a *Auction) AcceptsOrders(now time.Time) bool {
	if a.Status != StatusCollecting {
		return false
	}
	if a.WindowStart != nil && now.Before(*a.WindowStart) {
		return false
	}
	if a.WindowEnd != nil && now.After(*a.WindowEnd) {
		return false
	}
	return true
}

// =============================================================================
// Listing
// =============================================================================

type Listing struct {
	ID           int64            `gorm:"primaryKey;autoIncrement"`
	Title        string           `gorm:"column:title;type:varchar(256)"`
	StartingBid  decimal.Decimal  `gorm:"column:starting_bid;type:decimal(32,6)"`
	CurrentBid   *decimal.Decimal `gorm:"column:current_bid;type:decimal(32,6)"`
	Unit         string           `gorm:"column:unit;type:varchar(32)"`
	BaseQuantity *decimal.Decimal `gorm:"column:base_quantity;type:decimal(32,6)"`
	OwnerID      int64            `gorm:"column:owner_id;index"`
	Status       ListingStatus    `gorm:"column:status;type:varchar(16)"`
	CreatedAt    time.Time        `gorm:"column:created_at"`
	UpdatedAt    time.Time        `gorm:"column:updated_at"`
}

func (Listing) TableName() string { return "listings" }

// =============================================================================
// Participant
// =============================================================================

type Participant struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	AuctionID int64          `gorm:"column:auction_id;uniqueIndex:uq_auction_trader"`
	TraderID  int64          `gorm:"column:trader_id;uniqueIndex:uq_auction_trader"`
	AccountID *int64         `gorm:"column:account_id"`
	Status    ApprovalStatus `gorm:"column:status;type:varchar(16)"`
	JoinedAt  time.Time      `gorm:"column:joined_at"`
}

func (Participant) TableName() string { return "auction_participants" }

// =============================================================================
// Order
// =============================================================================

// Order 拍卖订单
// bid 下单时冻结 price*quantity，ReservedAmount/ReserveTxID 记录冻结凭证。
// 部分成交: Quantity 扣减、ClearedQuantity 累加、状态保持 open。
type Order struct {
	ID        int64           `gorm:"primaryKey"` // 雪花ID
	AuctionID int64           `gorm:"column:auction_id;index"`
	TraderID  int64           `gorm:"column:trader_id;index"`
	Side      clearing.Side   `gorm:"column:side;type:varchar(8)"`
	Price     decimal.Decimal `gorm:"column:price;type:decimal(32,6)"`
	Quantity  decimal.Decimal `gorm:"column:quantity;type:decimal(32,6)"`
	Status    OrderStatus     `gorm:"column:status;type:varchar(16);index"`

	ClearedPrice    *decimal.Decimal `gorm:"column:cleared_price;type:decimal(32,6)"`
	ClearedQuantity decimal.Decimal  `gorm:"column:cleared_quantity;type:decimal(32,6)"`
	Iteration       *int             `gorm:"column:iteration"`

	ReservedAmount *decimal.Decimal `gorm:"column:reserved_amount;type:decimal(32,6)"`
	ReserveTxID    *int64           `gorm:"column:reserve_tx_id"`

	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (Order) TableName() string { return "auction_orders" }

// ToClearing 转成清算引擎的输入
func (o *Order) ToClearing() clearing.Order {
	return clearing.Order{
		ID:             o.ID,
		TraderID:       o.TraderID,
		Side:           o.Side,
		Price:          o.Price,
		Quantity:       o.Quantity,
		Iteration:      o.Iteration,
		CreatedAt:      o.CreatedAt,
		ReservedAmount: o.ReservedAmount,
		ReserveTxID:    o.ReserveTxID,
	}
}

// =============================================================================
// ClearingRound / InventorySnapshot
// =============================================================================

// ClearingRound 每轮一行，空轮也写
type ClearingRound struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	AuctionID   int64 `gorm:"column:auction_id;index"`
	RoundNumber int   `gorm:"column:round_number"`

	ClearingPrice  *decimal.Decimal `gorm:"column:clearing_price;type:decimal(32,6)"`
	ClearingVolume *decimal.Decimal `gorm:"column:clearing_volume;type:decimal(32,6)"`
	ClearingDemand *decimal.Decimal `gorm:"column:clearing_demand;type:decimal(32,6)"`
	ClearingSupply *decimal.Decimal `gorm:"column:clearing_supply;type:decimal(32,6)"`

	TotalBids     int       `gorm:"column:total_bids"`
	TotalAsks     int       `gorm:"column:total_asks"`
	MatchedOrders int       `gorm:"column:matched_orders"`
	ClearedAt     time.Time `gorm:"column:cleared_at"`
}

func (ClearingRound) TableName() string { return "auction_clearing_rounds" }

// InventorySnapshot 整轮结束后的全量库存快照 (trader -> product -> qty)
// 只写不读，审计用
type InventorySnapshot struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	AuctionID    int64     `gorm:"column:auction_id;index"`
	RoundNumber  int       `gorm:"column:round_number"`
	SnapshotData string    `gorm:"column:snapshot_data;type:json"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (InventorySnapshot) TableName() string { return "inventory_snapshots" }
