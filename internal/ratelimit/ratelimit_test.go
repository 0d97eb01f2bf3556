package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/procurepay/internal/auth"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterAllow(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := newLimiter(Config{RequestsPerMinute: 60, BurstSize: 5}, clk.Now)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("buyer-1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("buyer-1"), "burst exhausted")
	assert.True(t, l.Allow("buyer-2"), "keys are independent")

	clk.Advance(time.Second) // one token at 60/min
	assert.True(t, l.Allow("buyer-1"))
	assert.False(t, l.Allow("buyer-1"))

	clk.Advance(time.Hour) // refill is capped at the burst
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("buyer-1"))
	}
	assert.False(t, l.Allow("buyer-1"))
}

func TestLimiterEvictIdle(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := newLimiter(Config{RequestsPerMinute: 60, BurstSize: 1}, clk.Now)
	l.Allow("a")
	clk.Advance(3 * time.Minute)
	l.Allow("b")
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "a")
	assert.Contains(t, l.clients, "b")
}

func TestMiddleware_KeysByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(auth.Middleware(""), l.Middleware())
	r.POST("/v1/payments/pay_1/dispute", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/payments/pay_1/dispute", nil)
		req.Header.Set(auth.HeaderActorID, actor)
		req.Header.Set(auth.HeaderActorRole, "payer")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("buyer-1").Code)
	w := send("buyer-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, send("buyer-2").Code, "same IP, different actor")
}
