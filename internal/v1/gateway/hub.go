// Package gateway owns the websocket edge: authentication, the upgrade
// handshake, connection lifecycle, and the dispatch table that routes inbound
// envelopes to the domain services.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/auth"
	"github.com/harmonychat/harmony/internal/v1/calls"
	"github.com/harmonychat/harmony/internal/v1/chat"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
	"github.com/harmonychat/harmony/internal/v1/presence"
	"github.com/harmonychat/harmony/internal/v1/ratelimit"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// AIService is the assistant surface the gateway drives. Nil when no provider
// is configured; the stream handlers then answer with an error event.
type AIService interface {
	Cancel(ctx context.Context, convID string)
	Regenerate(ctx context.Context, convID, userID string) error
}

// Hub wires authenticated connections into the registry and routes their
// events to the domain services.
type Hub struct {
	validator auth.TokenValidator
	registry  *registry.Registry
	presence  *presence.Service
	chat      *chat.Service
	ai        AIService
	calls     *calls.Service
	store     *store.Store
	limiter   *ratelimit.RateLimiter

	allowedOrigins   []string
	handshakeTimeout time.Duration

	routes map[string]handlerFunc
}

// NewHub creates the gateway hub. ai may be nil.
func NewHub(validator auth.TokenValidator, reg *registry.Registry, pres *presence.Service,
	chatSvc *chat.Service, aiSvc AIService, callSvc *calls.Service, st *store.Store,
	limiter *ratelimit.RateLimiter, allowedOrigins []string, handshakeTimeout time.Duration) *Hub {
	h := &Hub{
		validator:        validator,
		registry:         reg,
		presence:         pres,
		chat:             chatSvc,
		ai:               aiSvc,
		calls:            callSvc,
		store:            st,
		limiter:          limiter,
		allowedOrigins:   allowedOrigins,
		handshakeTimeout: handshakeTimeout,
	}
	h.routes = h.buildRoutes()
	return h
}

// ServeWs authenticates the user and upgrades to a WebSocket connection.
func (h *Hub) ServeWs(c *gin.Context) {
	// IP rate limit first, before any work is done for the request.
	if !h.limiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	token, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := h.limiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c.Request.Context(), conn, claims)
}

// HandleConnection takes an established WebSocket connection and registers
// the client. Exposed separately so tests can drive it with a fake
// connection.
func (h *Hub) HandleConnection(ctx context.Context, conn wsConnection, claims *auth.CustomClaims) {
	userID := claims.Subject

	// Mirror the token's profile into the local users table so display
	// names and avatars resolve without a trip to the identity provider.
	if err := h.store.UpsertUser(ctx, userID, claims.Email, claims.Name, claims.Picture); err != nil {
		logging.Error(ctx, "Failed to upsert user profile", zap.String("userId", userID), zap.Error(err))
	}

	client := newClient(h, conn, uuid.NewString(), userID)
	first := h.registry.Register(client.socketID, userID, client)
	metrics.IncConnection()

	logging.Info(ctx, "Client connected",
		zap.String("socketId", client.socketID),
		zap.String("userId", userID),
		zap.Bool("firstSocket", first))

	if first {
		h.presence.HandleConnect(ctx, userID)
	}
	// An active call survives a page refresh when the user returns within
	// the reconnect grace period.
	h.calls.HandleReconnect(ctx, userID)

	go client.writePump()
	go client.readPump()
}

// handleDisconnect unwinds a dropped connection: unregister, and when it was
// the user's last socket, hand presence and calls their disconnect hooks.
func (h *Hub) handleDisconnect(c *Client) {
	c.Close()
	userID, wasLast := h.registry.Unregister(c.socketID)
	if userID == "" {
		return
	}

	ctx := context.Background()
	logging.Info(ctx, "Client disconnected",
		zap.String("socketId", c.socketID),
		zap.String("userId", userID),
		zap.Bool("lastSocket", wasLast))

	if wasLast {
		h.presence.HandleDisconnect(ctx, userID)
		h.calls.HandleDisconnect(ctx, userID)
	}
}

// extractToken pulls the JWT from the query string, the Authorization header,
// or the Sec-WebSocket-Protocol header, in that order. Browsers cannot set
// arbitrary headers on websocket upgrades, hence the query fallback.
func (h *Hub) extractToken(c *gin.Context) (string, error) {
	if token := c.Query("token"); token != "" {
		return token, nil
	}

	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			return token, nil
		}
	}

	if headerVal := c.GetHeader("Sec-WebSocket-Protocol"); headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p != "" && p != "access_token" {
				return p, nil
			}
		}
	}

	logging.Warn(c.Request.Context(), "No token provided in request")
	return "", fmt.Errorf("token not provided")
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // Allow non-browser clients (e.g., for testing)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(strings.TrimSpace(allowed))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.handshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
