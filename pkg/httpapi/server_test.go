// 文件: pkg/httpapi/server_test.go
// HTTP 层 - 测试用例
//
// 测试策略:
// 1. 认证/权限守卫 (401/403)
// 2. 下单校验与冻结流程
// 3. 管理端生命周期: 建场 -> 下单 -> 手动清算 -> 关闭
// 4. 盘口端点与自适应 k 回写

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Vladus-CPU/dbauc2/pkg/auction"
	"github.com/Vladus-CPU/dbauc2/pkg/auth"
	"github.com/Vladus-CPU/dbauc2/pkg/inventory"
	"github.com/Vladus-CPU/dbauc2/pkg/migrate"
	"github.com/Vladus-CPU/dbauc2/pkg/money"
	"github.com/Vladus-CPU/dbauc2/pkg/settle"
	"github.com/Vladus-CPU/dbauc2/pkg/wallet"
)

type fixture struct {
	db       *gorm.DB
	server   *Server
	handler  http.Handler
	verifier *auth.Verifier
	wallets  *wallet.Service
	stock    *inventory.Store
	repo     *auction.Repo
	ctx      context.Context
}

func setup(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// :memory: 每个连接一个库，收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migrate.Run(db))

	verifier := auth.NewVerifier("test_secret")
	pipeline := settle.NewPipeline(db, nil, nil, nil)
	server := NewServer(db, verifier, pipeline, nil, nil, nil, 0.01)
	return &fixture{
		db:       db,
		server:   server,
		handler:  server.Handler(),
		verifier: verifier,
		wallets:  wallet.NewService(db),
		stock:    inventory.NewStore(db),
		repo:     auction.NewRepo(db),
		ctx:      context.Background(),
	}
}

func (f *fixture) newUser(t *testing.T, username string, admin bool) (*auth.User, string) {
	u := &auth.User{Username: username, IsAdmin: admin, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.db.Create(u).Error)
	token, err := f.verifier.Sign(u, time.Hour)
	require.NoError(t, err)
	return u, token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) newAuction(t *testing.T, adminToken string) int64 {
	rec := f.do(t, http.MethodPost, "/api/admin/auctions", adminToken, map[string]any{
		"product": "wheat",
		"type":    "open",
		"k":       "0.5",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a auction.Auction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return a.ID
}

// =============================================================================
// 守卫
// =============================================================================

func TestAuthGuards(t *testing.T) {
	f := setup(t)
	_, userToken := f.newUser(t, "trader", false)

	// 无令牌
	rec := f.do(t, http.MethodGet, "/api/auctions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 坏令牌
	rec = f.do(t, http.MethodGet, "/api/auctions", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 普通用户打管理端
	rec = f.do(t, http.MethodPost, "/api/admin/auctions", userToken, map[string]any{
		"product": "wheat", "type": "open", "k": "0.5",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// 错误响应结构 {error, statuscode}
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "Forbidden", payload["error"])
	assert.EqualValues(t, http.StatusForbidden, payload["statuscode"])
}

// =============================================================================
// 下单
// =============================================================================

func TestPlaceOrder_BidReservesFunds(t *testing.T) {
	f := setup(t)
	_, adminToken := f.newUser(t, "admin", true)
	trader, traderToken := f.newUser(t, "trader", false)
	auctionID := f.newAuction(t, adminToken)

	_, err := f.wallets.Deposit(f.ctx, trader.ID, money.MustParse("100"), nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/orders", traderToken, map[string]any{
		"side": "bid", "price": "10", "quantity": "3",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID             int64  `json:"id"`
		ReservedAmount string `json:"reservedAmount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotZero(t, resp.ID)
	assert.Equal(t, "30", resp.ReservedAmount)

	// 钱包冻结 30
	bal, err := f.wallets.BalanceOf(f.ctx, trader.ID)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(money.MustParse("70")))
	assert.True(t, bal.Reserved.Equal(money.MustParse("30")))

	// 订单行带冻结凭证
	order, err := f.repo.GetOrder(f.ctx, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, order.ReservedAmount)
	require.NotNil(t, order.ReserveTxID)
	assert.True(t, order.ReservedAmount.Equal(money.MustParse("30")))
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := setup(t)
	_, adminToken := f.newUser(t, "admin", true)
	_, traderToken := f.newUser(t, "trader", false)
	auctionID := f.newAuction(t, adminToken)
	path := "/api/auctions/" + itoa(auctionID) + "/orders"

	// 非法方向
	rec := f.do(t, http.MethodPost, path, traderToken, map[string]any{
		"side": "hold", "price": "10", "quantity": "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 非正价格
	rec = f.do(t, http.MethodPost, path, traderToken, map[string]any{
		"side": "bid", "price": "0", "quantity": "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 余额不足的 bid
	rec = f.do(t, http.MethodPost, path, traderToken, map[string]any{
		"side": "bid", "price": "10", "quantity": "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 不存在的拍卖
	rec = f.do(t, http.MethodPost, "/api/auctions/99999/orders", traderToken, map[string]any{
		"side": "ask", "price": "10", "quantity": "1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceOrder_ClosedAuctionRejected(t *testing.T) {
	f := setup(t)
	_, adminToken := f.newUser(t, "admin", true)
	_, traderToken := f.newUser(t, "trader", false)
	auctionID := f.newAuction(t, adminToken)

	rec := f.do(t, http.MethodPatch, "/api/admin/auctions/"+itoa(auctionID)+"/close", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/orders", traderToken, map[string]any{
		"side": "ask", "price": "10", "quantity": "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// 生命周期: 建场 -> 加入 -> 下单 -> 清算 -> 关闭
// =============================================================================

func TestLifecycle_CreateJoinClearClose(t *testing.T) {
	f := setup(t)
	_, adminToken := f.newUser(t, "admin", true)
	bidder, bidderToken := f.newUser(t, "bidder", false)
	seller, sellerToken := f.newUser(t, "seller", false)
	auctionID := f.newAuction(t, adminToken)

	// 加入
	rec := f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/join", bidderToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var joinResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joinResp))
	assert.Equal(t, "approved", joinResp["status"], "open 拍卖自动通过")

	// 重复加入 -> 409
	rec = f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/join", bidderToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 双边下单
	_, err := f.wallets.Deposit(f.ctx, bidder.ID, money.MustParse("100"), nil)
	require.NoError(t, err)
	require.NoError(t, f.stock.Adjust(f.ctx, seller.ID, "wheat", money.MustParse("5"), "seed"))

	rec = f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/orders", bidderToken, map[string]any{
		"side": "bid", "price": "20", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/orders", sellerToken, map[string]any{
		"side": "ask", "price": "10", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// 手动清算: price (10+20)/2 = 15
	rec = f.do(t, http.MethodPost, "/api/admin/auctions/"+itoa(auctionID)+"/clear", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal, err := f.wallets.BalanceOf(f.ctx, bidder.ID)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(money.MustParse("85")), "spend 15 + release 5")
	assert.True(t, bal.Reserved.IsZero())

	bal, err = f.wallets.BalanceOf(f.ctx, seller.ID)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(money.MustParse("15")))

	// 历史
	rec = f.do(t, http.MethodGet, "/api/auctions/"+itoa(auctionID)+"/history", bidderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Rounds []auction.ClearingRound `json:"rounds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Rounds, 1)
	assert.Equal(t, 1, hist.Rounds[0].RoundNumber)

	// 关闭后再清算 -> 409
	rec = f.do(t, http.MethodPatch, "/api/admin/auctions/"+itoa(auctionID)+"/close", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/admin/auctions/"+itoa(auctionID)+"/clear", adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// 盘口
// =============================================================================

func TestGetBook_MetricsAndAdaptiveK(t *testing.T) {
	f := setup(t)
	_, adminToken := f.newUser(t, "admin", true)
	trader, traderToken := f.newUser(t, "trader", false)
	auctionID := f.newAuction(t, adminToken)

	// 纯买压盘口: imbalance = 1 -> k 从 0.5 调到 0.35
	_, err := f.wallets.Deposit(f.ctx, trader.ID, money.MustParse("100"), nil)
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/api/auctions/"+itoa(auctionID)+"/orders", traderToken, map[string]any{
		"side": "bid", "price": "10", "quantity": "2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/auctions/"+itoa(auctionID)+"/book", traderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Book struct {
			Bids []map[string]any `json:"bids"`
			Asks []map[string]any `json:"asks"`
		} `json:"book"`
		Metrics struct {
			BestBid   *string `json:"bestBid"`
			Imbalance string  `json:"imbalance"`
		} `json:"metrics"`
		AdaptiveK string `json:"adaptiveK"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Book.Bids, 1)
	assert.Empty(t, resp.Book.Asks)
	require.NotNil(t, resp.Metrics.BestBid)
	assert.Equal(t, "10", *resp.Metrics.BestBid)
	assert.Equal(t, "1", resp.Metrics.Imbalance)
	assert.Equal(t, "0.35", resp.AdaptiveK)

	// k 回写落库
	a, err := f.repo.Get(f.ctx, auctionID)
	require.NoError(t, err)
	assert.True(t, a.K.Equal(money.MustParse("0.35")))
}

// =============================================================================
// 钱包端点
// =============================================================================

func TestWalletEndpoints(t *testing.T) {
	f := setup(t)
	_, token := f.newUser(t, "trader", false)

	rec := f.do(t, http.MethodPost, "/api/me/wallet/deposit", token, map[string]any{"amount": "50"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/me/wallet/withdraw", token, map[string]any{"amount": "20"})
	require.Equal(t, http.StatusOK, rec.Code)

	// 超额提现
	rec = f.do(t, http.MethodPost, "/api/me/wallet/withdraw", token, map[string]any{"amount": "100"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/me/wallet", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Available string `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, "30", bal.Available)

	rec = f.do(t, http.MethodGet, "/api/me/wallet/transactions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs struct {
		Transactions []wallet.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	assert.Len(t, txs.Transactions, 2)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
