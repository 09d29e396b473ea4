package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/auth"
)

func TestAllowRefillAndReset(t *testing.T) {
	now := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60, WithNow(func() time.Time { return now }))

	ok, _ := l.Allow("k")
	assert.True(t, ok)
	ok, _ = l.Allow("k")
	assert.True(t, ok)

	ok, resetIn := l.Allow("k")
	assert.False(t, ok)
	// 60/min refills one token per second.
	assert.Equal(t, time.Second, resetIn)

	// Independent keys do not share a bucket.
	ok, _ = l.Allow("other")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = l.Allow("k")
	assert.True(t, ok)
}

func TestAllowFractionalRefill(t *testing.T) {
	now := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(1, 60, WithNow(func() time.Time { return now }))

	ok, _ := l.Allow("k")
	require.True(t, ok)

	// Half a token accrued: still denied, half a second to go.
	now = now.Add(500 * time.Millisecond)
	ok, resetIn := l.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, resetIn)
}

func newLimitedRouter(l *TokenBucket, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append(pre, l.GinMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/ping", handlers...)
	return r
}

func TestGinMiddlewareRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(1, 30, WithNow(func() time.Time { return now }))
	r := newLimitedRouter(l)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	// 30/min is one token per two seconds.
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestGinMiddlewareKeysBySubject(t *testing.T) {
	now := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(1, 30, WithNow(func() time.Time { return now }))

	subject := "device-a"
	r := newLimitedRouter(l, func(c *gin.Context) {
		c.Set("claims", auth.Claims{Subject: subject})
	})

	// Both devices arrive from the same address.
	get := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.7:4242"
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, get())
	require.Equal(t, http.StatusTooManyRequests, get())

	// A different subject behind the same NAT still gets through.
	subject = "device-b"
	assert.Equal(t, http.StatusNoContent, get())
}
