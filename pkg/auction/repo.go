// 文件: pkg/auction/repo.go
// 拍卖模块 - 持久层
//
// 所有读写都过这里。结算与排期相关的方法 (GetForUpdate / CloseExpired /
// Due / SetNextClearing) 服务于调度器与结算管线。

package auction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound        = errors.New("auction not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrAlreadyJoined   = errors.New("already joined this auction")
	ErrRoundConflict   = errors.New("clearing round already advanced")
	ErrNotParticipant  = errors.New("not an approved participant")
	ErrWindowNotOpen   = errors.New("auction is not accepting orders")
	ErrListingNotFound = errors.New("listing not found")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction 在一个数据库事务内执行 fn
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// =============================================================================
// 拍卖
// =============================================================================

func (r *Repo) Create(ctx context.Context, a *Auction) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) Get(ctx context.Context, id int64) (*Auction, error) {
	var a Auction
	err := r.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &a, err
}

// GetForUpdate 行级锁读拍卖，序列化同一拍卖的并发清算
// SQLite (测试驱动) 不支持 FOR UPDATE，事务本身已串行化
func (r *Repo) GetForUpdate(ctx context.Context, id int64) (*Auction, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var a Auction
	err := q.First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &a, err
}

// List 按状态/类型过滤 (空串 = 不过滤)，新到旧
func (r *Repo) List(ctx context.Context, status, typ string) ([]*Auction, error) {
	q := r.db.WithContext(ctx).Model(&Auction{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	var out []*Auction
	err := q.Order("id DESC").Find(&out).Error
	return out, err
}

// SaveClearingState 回写一轮清算后的拍卖行
// WHERE current_round 条件防止两个并发清算把轮次推进两次
func (r *Repo) SaveClearingState(ctx context.Context, a *Auction, prevRound int) error {
	res := r.db.WithContext(ctx).
		Model(&Auction{}).
		Where("id = ? AND current_round = ?", a.ID, prevRound).
		Updates(map[string]any{
			"current_round":       a.CurrentRound,
			"last_clearing_at":    a.LastClearingAt,
			"next_clearing_at":    a.NextClearingAt,
			"clearing_price":      a.ClearingPrice,
			"clearing_quantity":   a.ClearingQuantity,
			"clearing_demand":     a.ClearingDemand,
			"clearing_supply":     a.ClearingSupply,
			"clearing_price_low":  a.ClearingPriceLow,
			"clearing_price_high": a.ClearingPriceHigh,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoundConflict
	}
	return nil
}

// Close 关闭拍卖
func (r *Repo) Close(ctx context.Context, id int64, now time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&Auction{}).
		Where("id = ? AND status <> ?", id, StatusClosed).
		Updates(map[string]any{"status": StatusClosed, "closed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Expired 窗口已过期但仍在收单的拍卖
func (r *Repo) Expired(ctx context.Context, now time.Time) ([]*Auction, error) {
	var out []*Auction
	err := r.db.WithContext(ctx).
		Where("status = ? AND window_end IS NOT NULL AND window_end <= ?", StatusCollecting, now).
		Order("id").
		Find(&out).Error
	return out, err
}

// Due 到期待清算的拍卖
func (r *Repo) Due(ctx context.Context, now time.Time) ([]*Auction, error) {
	var out []*Auction
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_clearing_at IS NULL OR next_clearing_at <= ?)", StatusCollecting, now).
		Order("id").
		Find(&out).Error
	return out, err
}

// SetNextClearing 限流时把下一次清算时间往后推
func (r *Repo) SetNextClearing(ctx context.Context, id int64, t time.Time) error {
	return r.db.WithContext(ctx).
		Model(&Auction{}).
		Where("id = ?", id).
		Update("next_clearing_at", t).Error
}

// UpdateK 持久化自适应 k 提示
func (r *Repo) UpdateK(ctx context.Context, id int64, k decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&Auction{}).
		Where("id = ?", id).
		Update("k", k).Error
}

// =============================================================================
// 订单
// =============================================================================

func (r *Repo) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == 0 {
		o.ID = GenerateOrderID()
	}
	return r.db.WithContext(ctx).Create(o).Error
}

// OpenOrders 一场拍卖的全部 open 订单 (清算输入)
func (r *Repo) OpenOrders(ctx context.Context, auctionID int64) ([]*Order, error) {
	var out []*Order
	err := r.db.WithContext(ctx).
		Where("auction_id = ? AND status = ?", auctionID, OrderOpen).
		Order("created_at").
		Find(&out).Error
	return out, err
}

// Orders 管理端全量订单列表 (新到旧)
func (r *Repo) Orders(ctx context.Context, auctionID int64, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*Order
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repo) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	return &o, err
}

// SaveOrder 结算管线回写订单行
func (r *Repo) SaveOrder(ctx context.Context, o *Order) error {
	return r.db.WithContext(ctx).Save(o).Error
}

// RejectOpenOrders 关闭拍卖时把残留 open 订单置为 rejected，返回被拒订单
func (r *Repo) RejectOpenOrders(ctx context.Context, auctionID int64) ([]*Order, error) {
	orders, err := r.OpenOrders(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	err = r.db.WithContext(ctx).
		Model(&Order{}).
		Where("auction_id = ? AND status = ?", auctionID, OrderOpen).
		Update("status", OrderRejected).Error
	return orders, err
}

// =============================================================================
// 参与者
// =============================================================================

// Join 加入拍卖
// open 拍卖自动通过，closed 拍卖进入 pending 等管理员审批
func (r *Repo) Join(ctx context.Context, a *Auction, traderID int64, accountID *int64) (*Participant, error) {
	status := ApprovalApproved
	if a.Type == TypeClosed {
		status = ApprovalPending
	}
	p := &Participant{
		AuctionID: a.ID,
		TraderID:  traderID,
		AccountID: accountID,
		Status:    status,
		JoinedAt:  time.Now().UTC(),
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlreadyJoined
	}
	return p, nil
}

func (r *Repo) ParticipantOf(ctx context.Context, auctionID, traderID int64) (*Participant, error) {
	var p Participant
	err := r.db.WithContext(ctx).
		Where("auction_id = ? AND trader_id = ?", auctionID, traderID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotParticipant
	}
	return &p, err
}

func (r *Repo) Participants(ctx context.Context, auctionID int64) ([]*Participant, error) {
	var out []*Participant
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("joined_at").
		Find(&out).Error
	return out, err
}

func (r *Repo) SetParticipantStatus(ctx context.Context, auctionID, participantID int64, status ApprovalStatus) error {
	res := r.db.WithContext(ctx).
		Model(&Participant{}).
		Where("id = ? AND auction_id = ?", participantID, auctionID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

// =============================================================================
// 轮次 / 快照
// =============================================================================

func (r *Repo) CreateRound(ctx context.Context, round *ClearingRound) error {
	return r.db.WithContext(ctx).Create(round).Error
}

// Rounds 清算历史 (新到旧)
func (r *Repo) Rounds(ctx context.Context, auctionID int64, limit int) ([]*ClearingRound, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*ClearingRound
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("round_number DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repo) SaveSnapshot(ctx context.Context, snap *InventorySnapshot) error {
	return r.db.WithContext(ctx).Create(snap).Error
}

// =============================================================================
// 商品
// =============================================================================

func (r *Repo) CreateListing(ctx context.Context, l *Listing) error {
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *Repo) GetListing(ctx context.Context, id int64) (*Listing, error) {
	var l Listing
	err := r.db.WithContext(ctx).First(&l, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrListingNotFound
	}
	return &l, err
}

// =============================================================================
// 清理
// =============================================================================

// Cleanup 测试环境重置: 级联删除全部拍卖相关数据
func (r *Repo) Cleanup(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	for _, model := range []any{
		&InventorySnapshot{}, &ClearingRound{}, &Order{}, &Participant{}, &Auction{},
	} {
		if err := db.Where("1 = 1").Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
