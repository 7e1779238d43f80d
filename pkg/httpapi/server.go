// 文件: pkg/httpapi/server.go
// HTTP 层 - 路由与公共工具
//
// 认证: Bearer JWT 中间件注入身份；/api/admin/* 再加 is_admin 守卫。
// 错误: handler 返回 error，统一由 apperr 渲染 {error, statuscode, details?}。

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/apperr"
	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/book"
	"github.com/Vladus-CPU/dbauc2/pkg/docs"
	"github.com/Vladus-CPU/dbauc2/pkg/events"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/settle"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

const requestTimeout = 15 * time.Second

// Server HTTP 服务
type Server struct {
	db       *gorm.DB
	verifier *auth.Verifier
	repo     *auction.Repo
	wallets  *wallet.Service
	stock    *inventory.Store
	pipeline *settle.Pipeline
	docs     *docs.Writer
	cache    *book.Cache
	sink     events.Sink

	// 自适应 k 回写阈值
	epsilon decimal.Decimal
}

func NewServer(
	db *gorm.DB,
	verifier *auth.Verifier,
	pipeline *settle.Pipeline,
	writer *docs.Writer,
	cache *book.Cache,
	sink events.Sink,
	adaptiveKEpsilon float64,
) *Server {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Server{
		db:       db,
		verifier: verifier,
		repo:     auction.NewRepo(db),
		wallets:  wallet.NewService(db),
		stock:    inventory.NewStore(db),
		pipeline: pipeline,
		docs:     writer,
		cache:    cache,
		sink:     sink,
		epsilon:  decimal.NewFromFloat(adaptiveKEpsilon),
	}
}

// Handler 组装路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ===== 交易端 =====
	mux.Handle("GET /api/auctions", s.wrap(s.listAuctions))
	mux.Handle("GET /api/auctions/{id}/book", s.wrap(s.getBook))
	mux.Handle("GET /api/auctions/{id}/history", s.wrap(s.getHistory))
	mux.Handle("GET /api/auctions/{id}/distribution", s.wrap(s.getDistribution))
	mux.Handle("POST /api/auctions/{id}/join", s.wrap(s.joinAuction))
	mux.Handle("GET /api/auctions/{id}/participants/me", s.wrap(s.myParticipation))
	mux.Handle("POST /api/auctions/{id}/orders", s.wrap(s.placeOrder))

	mux.Handle("GET /api/me/wallet", s.wrap(s.getWallet))
	mux.Handle("GET /api/me/wallet/transactions", s.wrap(s.listWalletTransactions))
	mux.Handle("POST /api/me/wallet/deposit", s.wrap(s.walletDeposit))
	mux.Handle("POST /api/me/wallet/withdraw", s.wrap(s.walletWithdraw))
	mux.Handle("GET /api/me/inventory", s.wrap(s.getInventory))
	mux.Handle("POST /api/resources/transactions", s.wrap(s.createResourceTransaction))

	// ===== 管理端 =====
	admin := func(h handlerFunc) http.Handler {
		return auth.RequireAdmin(s.wrap(h))
	}
	mux.Handle("POST /api/admin/auctions", admin(s.createAuction))
	mux.Handle("POST /api/admin/auctions/{id}/clear", admin(s.clearAuction))
	mux.Handle("PATCH /api/admin/auctions/{id}/close", admin(s.closeAuction))
	mux.Handle("GET /api/admin/auctions/{id}/orders", admin(s.listOrders))
	mux.Handle("GET /api/admin/auctions/{id}/participants", admin(s.listParticipants))
	mux.Handle("PATCH /api/admin/auctions/{id}/participants/{pid}/approve", admin(s.approveParticipant))
	mux.Handle("PATCH /api/admin/auctions/{id}/participants/{pid}/reject", admin(s.rejectParticipant))
	mux.Handle("GET /api/admin/auctions/{id}/documents", admin(s.listDocuments))
	mux.Handle("GET /api/admin/auctions/{id}/documents/{file}", admin(s.downloadDocument))
	mux.Handle("POST /api/admin/auctions/{id}/seed", admin(s.seedAuction))
	mux.Handle("POST /api/admin/cleanup", admin(s.cleanup))

	return s.verifier.Middleware(http.TimeoutHandler(mux, requestTimeout, "request timed out"))
}

// =============================================================================
// 工具
// =============================================================================

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// wrap 统一错误渲染
func (s *Server) wrap(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			apperr.Write(w, translate(err))
		}
	})
}

// translate 把领域错误翻成 HTTP 错误
func translate(err error) error {
	switch {
	case errors.Is(err, auction.ErrNotFound),
		errors.Is(err, auction.ErrOrderNotFound),
		errors.Is(err, auction.ErrListingNotFound):
		return apperr.NotFound(err.Error())
	case errors.Is(err, auction.ErrAlreadyJoined),
		errors.Is(err, auction.ErrRoundConflict),
		errors.Is(err, settle.ErrNotCollecting):
		return apperr.Conflict(err.Error())
	case errors.Is(err, auction.ErrNotParticipant):
		return apperr.Forbidden(err.Error())
	case errors.Is(err, auction.ErrWindowNotOpen),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrInsufficientReserved),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrInvalidTxType):
		return apperr.BadRequest(err.Error())
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.BadRequest("Invalid JSON body")
	}
	return nil
}

// pathID 解析路径参数为正整数 ID
func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequest("Invalid " + name)
	}
	return id, nil
}

// identity 取出经过中间件注入的请求身份
func identity(r *http.Request) (*auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, apperr.Unauthorized("Unauthorized")
	}
	return id, nil
}
