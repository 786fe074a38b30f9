package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonychat/harmony/internal/v1/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{
		RateLimitWsIP:     "5-M", // 5 per minute
		RateLimitWsUser:   "5-M",
		RateLimitWsEvents: "10-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:     "5-M",
		RateLimitWsUser:   "5-M",
		RateLimitWsEvents: "10-M",
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiter_BadRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:     "not-a-rate",
		RateLimitWsUser:   "5-M",
		RateLimitWsEvents: "10-M",
	}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	// Consume 5
	for i := 0; i < 5; i++ {
		allowed := rl.CheckWebSocket(ctx)
		assert.True(t, allowed)
	}

	// 6th should fail
	allowed := rl.CheckWebSocket(ctx)
	assert.False(t, allowed)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	// Consume 5
	for i := 0; i < 5; i++ {
		err := rl.CheckWebSocketUser(ctx, "user1")
		assert.NoError(t, err)
	}

	// 6th
	err := rl.CheckWebSocketUser(ctx, "user1")
	assert.ErrorIs(t, err, ErrLimited)

	// A different user still has budget.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "user2"))
}

func TestAllowEvent(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		assert.NoError(t, rl.AllowEvent(ctx, "user1"))
	}

	assert.ErrorIs(t, rl.AllowEvent(ctx, "user1"), ErrLimited)
}

func TestRedisFailure_FailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t)

	// Kill redis to simulate failure
	mr.Close()

	assert.NoError(t, rl.CheckWebSocketUser(context.Background(), "user1"))
	assert.NoError(t, rl.AllowEvent(context.Background(), "user1"))
}
