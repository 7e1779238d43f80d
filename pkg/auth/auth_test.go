// 文件: pkg/auth/auth_test.go

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignParse_Roundtrip(t *testing.T) {
	v := NewVerifier("secret")
	u := &User{ID: 7, Username: "alice", IsAdmin: true}

	token, err := v.Sign(u, time.Hour)
	require.NoError(t, err)

	ident, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ident.UserID)
	assert.Equal(t, "alice", ident.Username)
	assert.True(t, ident.IsAdmin)
}

func TestParse_WrongSecret(t *testing.T) {
	token, err := NewVerifier("secret_a").Sign(&User{ID: 1, Username: "bob"}, time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier("secret_b").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Expired(t *testing.T) {
	token, err := NewVerifier("secret").Sign(&User{ID: 1, Username: "bob"}, -time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier("secret").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	var seen *Identity
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// 无令牌
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 有效令牌注入身份
	token, err := v.Sign(&User{ID: 3, Username: "carol"}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, int64(3), seen.UserID)
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{UserID: 1, IsAdmin: false}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{UserID: 1, IsAdmin: true}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
