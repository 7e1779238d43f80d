// 文件: pkg/inventory/inventory.go
// 库存模块 - 持仓与审计流水
//
// 每次库存变动都配一条 resource_transactions 流水。
// 数量归零的持仓行直接删除。

package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Vladus-CPU/dbauc2/pkg/money"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidTxType   = errors.New("unknown resource transaction type")
)

// =============================================================================
// 模型
// =============================================================================

// TxType 资源流水类型
type TxType string

const (
	TxDeposit         TxType = "deposit"
	TxWithdraw        TxType = "withdraw"
	TxInventoryAdd    TxType = "inventoryAdd"
	TxInventoryRemove TxType = "inventoryRemove"
)

func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxInventoryAdd, TxInventoryRemove:
		return true
	}
	return false
}

// Item 单个 trader 对单个 product 的持仓
type Item struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	TraderID  int64           `gorm:"column:trader_id;uniqueIndex:uq_trader_product"`
	Product   string          `gorm:"column:product;type:varchar(128);uniqueIndex:uq_trader_product"`
	Quantity  decimal.Decimal `gorm:"column:quantity;type:decimal(32,6)"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (Item) TableName() string { return "trader_inventory" }

// ResourceTransaction 只追加的审计流水
type ResourceTransaction struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	TraderID   int64           `gorm:"column:trader_id;index"`
	Type       TxType          `gorm:"column:type;type:varchar(32)"`
	Quantity   decimal.Decimal `gorm:"column:quantity;type:decimal(32,6)"`
	Notes      string          `gorm:"column:notes;type:varchar(512)"`
	OccurredAt time.Time       `gorm:"column:occurred_at"`
}

func (ResourceTransaction) TableName() string { return "resource_transactions" }

// =============================================================================
// Store
// =============================================================================

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction 在一个数据库事务内执行 fn
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Adjust 调整持仓: delta 正为进、负为出，同时写一条流水
// 落到 <= 0 的持仓行删除
func (s *Store) Adjust(ctx context.Context, traderID int64, product string, delta decimal.Decimal, notes string) error {
	if delta.IsZero() {
		return nil
	}
	delta = money.Quant6(delta)

	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trader_id"}, {Name: "product"}},
		DoUpdates: clause.Assignments(map[string]any{
			"quantity":   gorm.Expr("quantity + ?", delta),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&Item{
		TraderID:  traderID,
		Product:   product,
		Quantity:  delta,
		UpdatedAt: time.Now().UTC(),
	}).Error
	if err != nil {
		return err
	}

	if err := db.
		Where("trader_id = ? AND product = ? AND quantity <= 0", traderID, product).
		Delete(&Item{}).Error; err != nil {
		return err
	}

	txType := TxInventoryAdd
	if delta.IsNegative() {
		txType = TxInventoryRemove
	}
	return s.Log(ctx, traderID, txType, delta.Abs(), notes)
}

// Log 写一条审计流水
func (s *Store) Log(ctx context.Context, traderID int64, txType TxType, quantity decimal.Decimal, notes string) error {
	if !txType.Valid() {
		return ErrInvalidTxType
	}
	if !quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	return s.db.WithContext(ctx).Create(&ResourceTransaction{
		TraderID:   traderID,
		Type:       txType,
		Quantity:   money.Quant6(quantity),
		Notes:      notes,
		OccurredAt: time.Now().UTC(),
	}).Error
}

// QuantityOf 查询持仓数量 (无持仓返回 0)
func (s *Store) QuantityOf(ctx context.Context, traderID int64, product string) (decimal.Decimal, error) {
	var item Item
	err := s.db.WithContext(ctx).
		Where("trader_id = ? AND product = ?", traderID, product).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return item.Quantity, nil
}

// ListForTrader 一个 trader 的全部持仓
func (s *Store) ListForTrader(ctx context.Context, traderID int64) ([]*Item, error) {
	var out []*Item
	err := s.db.WithContext(ctx).
		Where("trader_id = ?", traderID).
		Order("product").
		Find(&out).Error
	return out, err
}

// Snapshot 全量库存快照: trader -> product -> quantity
// 清算结束后写审计快照用，清算路径不读它
func (s *Store) Snapshot(ctx context.Context) (map[int64]map[string]decimal.Decimal, error) {
	var items []*Item
	if err := s.db.WithContext(ctx).Find(&items).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]map[string]decimal.Decimal, len(items))
	for _, item := range items {
		byProduct, ok := out[item.TraderID]
		if !ok {
			byProduct = make(map[string]decimal.Decimal)
			out[item.TraderID] = byProduct
		}
		byProduct[item.Product] = item.Quantity
	}
	return out, nil
}

// ListTransactions 审计流水 (新到旧)
func (s *Store) ListTransactions(ctx context.Context, traderID int64, limit int) ([]*ResourceTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*ResourceTransaction
	err := s.db.WithContext(ctx).
		Where("trader_id = ?", traderID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
