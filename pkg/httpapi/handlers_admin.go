// 文件: pkg/httpapi/handlers_admin.go
// HTTP 层 - 管理端接口

package httpapi

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/apperr"
	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/clearing"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

// =============================================================================
// 拍卖生命周期
// =============================================================================

// createAuction POST /api/admin/auctions
// 给了 title 会顺带建一个已发布的 listing 并关联
func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) error {
	ident, err := identity(r)
	if err != nil {
		return err
	}
	var req struct {
		Product     string           `json:"product"`
		Type        string           `json:"type"`
		K           decimal.Decimal  `json:"k"`
		WindowStart *time.Time       `json:"windowStart"`
		WindowEnd   *time.Time       `json:"windowEnd"`
		ListingID   *int64           `json:"listingId"`
		Title       string           `json:"title"`
		StartingBid *decimal.Decimal `json:"startingBid"`
		Unit        string           `json:"unit"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if req.Product == "" {
		return apperr.BadRequest("product is required")
	}
	typ := auction.Type(req.Type)
	if typ != auction.TypeOpen && typ != auction.TypeClosed {
		return apperr.BadRequest("type must be open or closed")
	}
	if req.K.IsNegative() || req.K.GreaterThan(decimal.NewFromInt(1)) {
		return apperr.BadRequest("k must be between 0 and 1")
	}
	if req.WindowStart != nil && req.WindowEnd != nil && !req.WindowEnd.After(*req.WindowStart) {
		return apperr.BadRequest("windowEnd must be after windowStart")
	}

	now := time.Now().UTC()
	a := &auction.Auction{
		Product:        req.Product,
		Type:           typ,
		K:              money.Quant6(req.K),
		WindowStart:    req.WindowStart,
		WindowEnd:      req.WindowEnd,
		Status:         auction.StatusCollecting,
		ApprovalStatus: auction.ApprovalApproved,
		CreatorID:      ident.UserID,
		AdminID:        &ident.UserID,
		ListingID:      req.ListingID,
		CreatedAt:      now,
	}
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		repo := auction.NewRepo(tx)
		if req.ListingID != nil {
			if _, lerr := repo.GetListing(r.Context(), *req.ListingID); lerr != nil {
				return lerr
			}
		} else if req.Title != "" {
			startingBid := decimal.Zero
			if req.StartingBid != nil {
				startingBid = *req.StartingBid
			}
			listing := &auction.Listing{
				Title:       req.Title,
				StartingBid: money.Quant6(startingBid),
				Unit:        req.Unit,
				OwnerID:     ident.UserID,
				Status:      auction.ListingPublished,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if lerr := repo.CreateListing(r.Context(), listing); lerr != nil {
				return lerr
			}
			a.ListingID = &listing.ID
		}
		return repo.Create(r.Context(), a)
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, a)
}

// clearAuction POST /api/admin/auctions/{id}/clear
// 手动触发一轮，绕过限流但走同一条清算+结算路径
func (s *Server) clearAuction(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	outcome, err := s.pipeline.RunRound(r.Context(), id, time.Now().UTC(), nil)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"round":   outcome.Round,
		"auction": outcome.Auction,
	})
}

// closeAuction PATCH /api/admin/auctions/{id}/close
func (s *Server) closeAuction(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.pipeline.CloseAuction(r.Context(), id, time.Now().UTC()); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"status": auction.StatusClosed})
}

// =============================================================================
// 订单 / 参与者
// =============================================================================

// listOrders GET /api/admin/auctions/{id}/orders
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		return err
	}
	orders, err := s.repo.Orders(r.Context(), id, 200)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// listParticipants GET /api/admin/auctions/{id}/participants
func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		return err
	}
	participants, err := s.repo.Participants(r.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

// approveParticipant PATCH /api/admin/auctions/{id}/participants/{pid}/approve
func (s *Server) approveParticipant(w http.ResponseWriter, r *http.Request) error {
	return s.setParticipantStatus(w, r, auction.ApprovalApproved)
}

// rejectParticipant PATCH /api/admin/auctions/{id}/participants/{pid}/reject
func (s *Server) rejectParticipant(w http.ResponseWriter, r *http.Request) error {
	return s.setParticipantStatus(w, r, auction.ApprovalRejected)
}

func (s *Server) setParticipantStatus(w http.ResponseWriter, r *http.Request, status auction.ApprovalStatus) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	pid, err := pathID(r, "pid")
	if err != nil {
		return err
	}
	if err := s.repo.SetParticipantStatus(r.Context(), id, pid, status); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// =============================================================================
// 成交回执
// =============================================================================

// listDocuments GET /api/admin/auctions/{id}/documents
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		return err
	}
	names, err := s.docs.List(id)
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"documents": names})
}

// downloadDocument GET /api/admin/auctions/{id}/documents/{file}
func (s *Server) downloadDocument(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	raw, err := s.docs.Open(id, r.PathValue("file"))
	if err != nil {
		return apperr.NotFound("Document not found")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, werr := w.Write(raw)
	return werr
}

// =============================================================================
// 演练工具
// =============================================================================

// seedAuction POST /api/admin/auctions/{id}/seed
// 造一批机器人交易者: 充值、铺库存、在基准价附近随机挂双边单
func (s *Server) seedAuction(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		Traders   int             `json:"traders"`
		BasePrice decimal.Decimal `json:"basePrice"`
		Quantity  decimal.Decimal `json:"quantity"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if req.Traders <= 0 || req.Traders > 100 {
		req.Traders = 6
	}
	if !req.BasePrice.IsPositive() {
		return apperr.BadRequest("basePrice must be positive")
	}
	if !req.Quantity.IsPositive() {
		req.Quantity = decimal.NewFromInt(1)
	}

	a, err := s.repo.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if !a.AcceptsOrders(time.Now().UTC()) {
		return auction.ErrWindowNotOpen
	}

	var placed []int64
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		repo := auction.NewRepo(tx)
		wallets := wallet.NewService(tx)
		stock := inventory.NewStore(tx)

		for i := 0; i < req.Traders; i++ {
			bot := &auth.User{
				Username:  "bot_" + strconv.FormatInt(a.ID, 10) + "_" + strconv.FormatInt(time.Now().UnixNano(), 36) + "_" + strconv.Itoa(i),
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(bot).Error; err != nil {
				return err
			}

			// 基准价 ±10% 随机报价
			jitter := decimal.NewFromFloat(0.9 + rand.Float64()*0.2)
			price := money.Quant6(req.BasePrice.Mul(jitter))
			side := clearing.SideBid
			if i%2 == 1 {
				side = clearing.SideAsk
			}

			order := &auction.Order{
				ID:              auction.GenerateOrderID(),
				AuctionID:       a.ID,
				TraderID:        bot.ID,
				Side:            side,
				Price:           price,
				Quantity:        money.Quant6(req.Quantity),
				Status:          auction.OrderOpen,
				ClearedQuantity: decimal.Zero,
				CreatedAt:       time.Now().UTC(),
			}
			if side == clearing.SideBid {
				reserved := money.Quant6(price.Mul(req.Quantity))
				if _, err := wallets.Deposit(r.Context(), bot.ID, reserved, nil); err != nil {
					return err
				}
				res, err := wallets.Reserve(r.Context(), bot.ID, reserved, map[string]any{
					"auctionId": a.ID, "orderId": order.ID,
				})
				if err != nil {
					return err
				}
				order.ReservedAmount = &reserved
				order.ReserveTxID = &res.TxID
			} else {
				if err := stock.Adjust(r.Context(), bot.ID, a.Product, req.Quantity, "seed"); err != nil {
					return err
				}
			}
			if err := repo.CreateOrder(r.Context(), order); err != nil {
				return err
			}
			placed = append(placed, order.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]any{"orders": placed})
}

// cleanup POST /api/admin/cleanup
// 测试环境重置: 删掉全部拍卖相关数据
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) error {
	if err := s.repo.Cleanup(r.Context()); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"status": "cleaned"})
}
