// 文件: pkg/httpapi/handlers_trader.go
// HTTP 层 - 交易端接口

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/apperr"
	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/book"
	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
	"github.com/Vladus-CPU/dbauc2/pkg/events"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

// =============================================================================
// 拍卖浏览
// =============================================================================

// listAuctions GET /api/auctions?status=&type=
func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	auctions, err := s.repo.List(r.Context(), q.Get("status"), q.Get("type"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"auctions": auctions})
}

type bookResponse struct {
	Auction        *auction.Auction         `json:"auction"`
	Book           *book.Book               `json:"book"`
	Metrics        *book.Metrics            `json:"metrics"`
	AdaptiveK      decimal.Decimal          `json:"adaptiveK"`
	RecentOrders   []*auction.Order         `json:"recentOrders"`
	RecentClearing []*auction.ClearingRound `json:"recentClearing"`
}

// getBook GET /api/auctions/{id}/book
// 盘口快照 + 指标 + 自适应 k 提示。短 TTL 缓存挡读放大。
func (s *Server) getBook(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	ctx := r.Context()

	if cached := s.cache.Get(ctx, id); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, werr := w.Write(cached)
		return werr
	}

	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	orders, err := s.repo.OpenOrders(ctx, id)
	if err != nil {
		return err
	}
	input := make([]clearing.Order, 0, len(orders))
	for _, o := range orders {
		input = append(input, o.ToClearing())
	}
	b := book.Build(input)
	metrics := b.ComputeMetrics()

	// 自适应 k: 盘口失衡驱动的运营提示，偏移超过阈值才回写
	hint := book.AdaptiveK(a.K, metrics.Imbalance)
	if hint.Sub(a.K).Abs().GreaterThanOrEqual(s.epsilon) {
		if err := s.repo.UpdateK(ctx, a.ID, hint); err != nil {
			return err
		}
		a.K = hint
	}

	recentOrders, err := s.repo.Orders(ctx, id, 10)
	if err != nil {
		return err
	}
	recentClearing, err := s.repo.Rounds(ctx, id, 5)
	if err != nil {
		return err
	}

	resp := &bookResponse{
		Auction:        a,
		Book:           b,
		Metrics:        metrics,
		AdaptiveK:      hint,
		RecentOrders:   recentOrders,
		RecentClearing: recentClearing,
	}
	if payload, merr := json.Marshal(resp); merr == nil {
		s.cache.Set(ctx, id, payload)
	}
	return writeJSON(w, http.StatusOK, resp)
}

// getHistory GET /api/auctions/{id}/history
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	a, err := s.repo.Get(r.Context(), id)
	if err != nil {
		return err
	}
	rounds, err := s.repo.Rounds(r.Context(), id, 200)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"auction": a,
		"rounds":  rounds,
	})
}

// getDistribution GET /api/auctions/{id}/distribution
// open 订单的价格直方图
func (s *Server) getDistribution(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		return err
	}
	orders, err := s.repo.OpenOrders(r.Context(), id)
	if err != nil {
		return err
	}
	input := make([]clearing.Order, 0, len(orders))
	for _, o := range orders {
		input = append(input, o.ToClearing())
	}
	b := book.Build(input)
	return writeJSON(w, http.StatusOK, map[string]any{
		"bids": b.Bids,
		"asks": b.Asks,
	})
}

// =============================================================================
// 参与
// =============================================================================

// joinAuction POST /api/auctions/{id}/join
// open 自动通过，closed 进入 pending
func (s *Server) joinAuction(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		AccountID *int64 `json:"accountId"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			return err
		}
	}

	// 令牌主体必须仍是有效用户，参与者行要挂到它上面
	if _, err := auth.EnsureUser(s.db.WithContext(r.Context()), ident.UserID); err != nil {
		return err
	}
	a, err := s.repo.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if a.Status == auction.StatusClosed {
		return apperr.Conflict("Auction is closed")
	}
	p, err := s.repo.Join(r.Context(), a, ident.UserID, req.AccountID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]any{"status": p.Status})
}

// myParticipation GET /api/auctions/{id}/participants/me
func (s *Server) myParticipation(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	p, err := s.repo.ParticipantOf(r.Context(), id, ident.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// 下单
// =============================================================================

// placeOrder POST /api/auctions/{id}/orders
// bid 在同一事务内冻结 price*quantity，冻结凭证落在订单行上
func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		Side     string          `json:"side"`
		Price    decimal.Decimal `json:"price"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	side := clearing.Side(req.Side)
	if side != clearing.SideBid && side != clearing.SideAsk {
		return apperr.BadRequest("side must be bid or ask")
	}
	if !req.Price.IsPositive() {
		return apperr.BadRequest("price must be positive")
	}
	if !req.Quantity.IsPositive() {
		return apperr.BadRequest("quantity must be positive")
	}

	now := time.Now().UTC()
	a, err := s.repo.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if !a.AcceptsOrders(now) {
		return auction.ErrWindowNotOpen
	}
	if a.Type == auction.TypeClosed {
		p, perr := s.repo.ParticipantOf(r.Context(), id, ident.UserID)
		if perr != nil {
			return perr
		}
		if p.Status != auction.ApprovalApproved {
			return auction.ErrNotParticipant
		}
	}

	order := &auction.Order{
		ID:              auction.GenerateOrderID(),
		AuctionID:       a.ID,
		TraderID:        ident.UserID,
		Side:            side,
		Price:           money.Quant6(req.Price),
		Quantity:        money.Quant6(req.Quantity),
		Status:          auction.OrderOpen,
		ClearedQuantity: decimal.Zero,
		CreatedAt:       now,
	}
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		repo := auction.NewRepo(tx)
		if side == clearing.SideBid {
			reserved := money.Quant6(req.Price.Mul(req.Quantity))
			res, werr := wallet.NewService(tx).Reserve(r.Context(), ident.UserID, reserved, map[string]any{
				"auctionId": a.ID,
				"orderId":   order.ID,
			})
			if werr != nil {
				return werr
			}
			order.ReservedAmount = &reserved
			order.ReserveTxID = &res.TxID
		}
		return repo.CreateOrder(r.Context(), order)
	})
	if err != nil {
		return err
	}

	resp := map[string]any{"id": order.ID}
	if order.ReservedAmount != nil {
		resp["reservedAmount"] = order.ReservedAmount
	}
	return writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// 钱包 / 库存
// =============================================================================

// getWallet GET /api/me/wallet
func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	bal, err := s.wallets.BalanceOf(r.Context(), ident.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, bal)
}

// listWalletTransactions GET /api/me/wallet/transactions
func (s *Server) listWalletTransactions(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = atoiSafe(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = atoiSafe(v)
	}
	txs, err := s.wallets.ListTransactions(r.Context(), ident.UserID, limit, offset)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// walletDeposit POST /api/me/wallet/deposit
func (s *Server) walletDeposit(w http.ResponseWriter, r *http.Request) error {
	return s.walletMove(w, r, wallet.TxDeposit, s.wallets.Deposit)
}

// walletWithdraw POST /api/me/wallet/withdraw
func (s *Server) walletWithdraw(w http.ResponseWriter, r *http.Request) error {
	return s.walletMove(w, r, wallet.TxWithdraw, s.wallets.Withdraw)
}

type walletOp func(ctx context.Context, userID int64, amount decimal.Decimal, meta map[string]any) (*wallet.OpResult, error)

func (s *Server) walletMove(w http.ResponseWriter, r *http.Request, txType wallet.TxType, op walletOp) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	res, err := op(r.Context(), ident.UserID, req.Amount, nil)
	if err != nil {
		return err
	}

	// 落库成功后的尽力而为通知
	amount := req.Amount
	if txType == wallet.TxWithdraw {
		amount = amount.Neg()
	}
	s.sink.PublishJournal(&events.WalletJournal{
		TxID:         res.TxID,
		UserID:       ident.UserID,
		Type:         string(txType),
		Amount:       amount,
		BalanceAfter: res.Available,
		CreatedAt:    time.Now().UTC(),
	})
	return writeJSON(w, http.StatusOK, res)
}

// getInventory GET /api/me/inventory
func (s *Server) getInventory(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	items, err := s.stock.ListForTrader(r.Context(), ident.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"inventory": items})
}

// createResourceTransaction POST /api/resources/transactions
// inventoryAdd/inventoryRemove 调整持仓 (自带流水)，
// deposit/withdraw 只记审计流水
func (s *Server) createResourceTransaction(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	var req struct {
		Type     string          `json:"type"`
		Product  string          `json:"product"`
		Quantity decimal.Decimal `json:"quantity"`
		Notes    string          `json:"notes"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	txType := inventory.TxType(req.Type)
	if !txType.Valid() {
		return inventory.ErrInvalidTxType
	}
	if !req.Quantity.IsPositive() {
		return inventory.ErrInvalidQuantity
	}

	switch txType {
	case inventory.TxInventoryAdd, inventory.TxInventoryRemove:
		if req.Product == "" {
			return apperr.BadRequest("product is required for inventory transactions")
		}
		delta := req.Quantity
		if txType == inventory.TxInventoryRemove {
			delta = delta.Neg()
		}
		if err := s.stock.Adjust(r.Context(), ident.UserID, req.Product, delta, req.Notes); err != nil {
			return err
		}
	default:
		if err := s.stock.Log(r.Context(), ident.UserID, txType, req.Quantity, req.Notes); err != nil {
			return err
		}
	}
	return writeJSON(w, http.StatusCreated, map[string]any{"status": "recorded"})
}

func atoiSafe(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, apperr.BadRequest("invalid number")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
