// 文件: pkg/auth/auth.go
// 认证 - Bearer JWT 校验
//
// 令牌签发在本服务之外 (登录/注册属于外部系统)，
// 这里只做验签和身份注入：
// claims 携带 {sub: userID, username, admin}，HS256 签名。

package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"

	"github.com/Vladus-CPU/dbauc2/pkg/apperr"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// =============================================================================
// 用户模型
// =============================================================================

// User 交易者与管理员共用一张表，is_admin 区分
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	IsAdmin   bool      `gorm:"not null;default:false" json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

func (User) TableName() string { return "users" }

// Identity 请求身份 (从 JWT claims 解出)
type Identity struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

// =============================================================================
// JWT
// =============================================================================

type claims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Verifier JWT 验签器
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse 验签并解析 Bearer 令牌
func (v *Verifier) Parse(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: userID, Username: c.Username, IsAdmin: c.Admin}, nil
}

// Sign 签发令牌 (测试与 simulation 用；生产签发在外部系统)
func (v *Verifier) Sign(user *User, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: user.Username,
		Admin:    user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

// =============================================================================
// HTTP 中间件
// =============================================================================

type contextKey struct{}

// FromContext 取出请求身份
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}

// WithIdentity 注入身份 (测试用)
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware 校验 Authorization: Bearer <token> 并注入身份
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			apperr.Write(w, apperr.Unauthorized("Unauthorized"))
			return
		}
		identity, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			apperr.Write(w, apperr.Unauthorized("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin 管理端守卫，必须在 Middleware 之后
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := FromContext(r.Context())
		if !ok {
			apperr.Write(w, apperr.Unauthorized("Unauthorized"))
			return
		}
		if !identity.IsAdmin {
			apperr.Write(w, apperr.Forbidden("Forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureUser 按 ID 查用户，不存在按未授权处理 (令牌主体已失效)
func EnsureUser(db *gorm.DB, userID int64) (*User, error) {
	var u User
	err := db.Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Unauthorized("Unknown user")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
