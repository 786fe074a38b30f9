// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/config"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
)

// ErrLimited is returned by AllowEvent when a user exceeds the event budget.
var ErrLimited = fmt.Errorf("rate limit exceeded")

// RateLimiter holds the websocket rate limiter instances: connections per IP,
// connections per user, and inbound events per user. The store failing (e.g.
// Redis down) fails open so the limiter never takes the service with it.
type RateLimiter struct {
	wsIP     *limiter.Limiter
	wsUser   *limiter.Limiter
	wsEvents *limiter.Limiter
	store    limiter.Store
}

// NewRateLimiter creates a RateLimiter. redisClient may be nil, in which case
// limits are tracked in process memory.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	userRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}
	eventRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsEvents)
	if err != nil {
		return nil, fmt.Errorf("invalid WS events rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:     limiter.New(store, ipRate),
		wsUser:   limiter.New(store, userRate),
		wsEvents: limiter.New(store, eventRate),
		store:    store,
	}, nil
}

// CheckWebSocket enforces the per-IP connection limit before the upgrade.
// Returns true if allowed; on rejection the HTTP response is already written.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser enforces the per-user connection limit. Call this after
// successfully authenticating the user.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (User)", zap.Error(err))
		return nil // Fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return ErrLimited
	}

	return nil
}

// AllowEvent enforces the per-user inbound event budget.
func (rl *RateLimiter) AllowEvent(ctx context.Context, userID string) error {
	eventContext, err := rl.wsEvents.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (Events)", zap.Error(err))
		return nil // Fail open
	}

	if eventContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_event", "user").Inc()
		return ErrLimited
	}

	return nil
}
