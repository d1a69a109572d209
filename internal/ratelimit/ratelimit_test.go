package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = func() time.Time { return now }
	t.Cleanup(l.Stop)
	return l, &now
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t, 60, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, remaining, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
		assert.Equal(t, 4-i, remaining)
	}
	ok, _, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	*now = now.Add(time.Second)
	ok, _, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok, "one token per second at 60 rpm")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)
	ctx := context.Background()
	ok, _, _ := l.Allow(ctx, "a")
	require.True(t, ok)
	ok, _, _ = l.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestConfigForRPM(t *testing.T) {
	assert.Equal(t, 100, ConfigForRPM(600).BurstSize)
	assert.Equal(t, 1, ConfigForRPM(3).BurstSize)
	assert.Equal(t, 600, DefaultConfig().RequestsPerMinute)
}

type failingAllower struct{}

func (failingAllower) Allow(context.Context, string) (bool, int, error) {
	return false, 0, errors.New("redis: connection refused")
}

func newRouter(a Allower, limit int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(a, limit, "test", nil))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func TestMiddleware_RejectsOverBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)
	r := newRouter(l, 60)

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes[i] = w.Code
		if i == 0 {
			assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestMiddleware_BackendErrorFailsOpen(t *testing.T) {
	r := newRouter(failingAllower{}, 60)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedisWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	rw := NewRedisWindow(client, 2)
	rw.prefix = "riskgate:test:ratelimit:" + t.Name() + ":"
	fixed := time.Now()
	rw.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := rw.Allow(ctx, "10.0.0.9")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, remaining, err := rw.Allow(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, remaining)

	rw.now = func() time.Time { return fixed.Add(time.Minute) }
	ok, _, err = rw.Allow(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts a new count")
}
