package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	tok, err := NewToken(secret, "u1", "Olu", "owner", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "Olu", claims.Name)
	assert.Equal(t, "owner", claims.Role)

	_, err = ParseToken("other-secret", tok)
	assert.Error(t, err)

	_, err = NewToken("", "u1", "", "", time.Hour)
	assert.Error(t, err)
}

func TestExpiredAndForeignTokens(t *testing.T) {
	expired, err := NewToken(secret, "u1", "", "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	// no expiry, wrong issuer
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1", Issuer: "someone-else"}).
		SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(secret, foreign)
	assert.Error(t, err)
}

func newRouter(t *testing.T, secret string, allowHeaders bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(secret, allowHeaders, zaptest.NewLogger(t)))
	r.GET("/me", func(c *gin.Context) {
		id, ok := Current(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": id.UserID, "name": id.Name})
	})
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareAcceptsBearerAndQueryToken(t *testing.T) {
	r := newRouter(t, secret, false)
	tok, err := NewToken(secret, "u1", "Olu", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"u1","name":"Olu"}`, w.Body.String())

	w = serve(r, httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRejects(t *testing.T) {
	r := newRouter(t, secret, true)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"IsSuccess":false`)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	// headers are not trusted once a secret is configured
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(HeaderUserID, "u1")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestHeaderIdentityWithoutSecret(t *testing.T) {
	r := newRouter(t, "", true)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(HeaderUserID, "u7")
	req.Header.Set(HeaderUserName, "Ada")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"u7","name":"Ada"}`, w.Body.String())

	locked := newRouter(t, "", false)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(HeaderUserID, "u7")
	assert.Equal(t, http.StatusUnauthorized, serve(locked, req).Code)
}
