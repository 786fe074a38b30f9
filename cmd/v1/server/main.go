package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/harmonychat/harmony/internal/v1/ai"
	"github.com/harmonychat/harmony/internal/v1/auth"
	"github.com/harmonychat/harmony/internal/v1/bus"
	"github.com/harmonychat/harmony/internal/v1/calls"
	"github.com/harmonychat/harmony/internal/v1/chat"
	"github.com/harmonychat/harmony/internal/v1/config"
	"github.com/harmonychat/harmony/internal/v1/gateway"
	"github.com/harmonychat/harmony/internal/v1/health"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/middleware"
	"github.com/harmonychat/harmony/internal/v1/notify"
	"github.com/harmonychat/harmony/internal/v1/presence"
	"github.com/harmonychat/harmony/internal/v1/ratelimit"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
	"github.com/harmonychat/harmony/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Authentication ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.TokenIssuer == "" || cfg.TokenAudience == "") {
		slog.Warn("⚠️  Development Mode: identity provider not configured. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var validator auth.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.TokenIssuer, cfg.TokenAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Token validator initialized", "issuer", cfg.TokenIssuer, "audience", cfg.TokenAudience)
		validator = v
	}

	// --- Redis Bus Initialization (Optional) ---
	// Each instance gets a unique origin id so its own published events are
	// not replayed back to it by the bridge.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, uuid.NewString())
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Storage ---
	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	slog.Info("✅ Database ready", "path", cfg.DBPath)

	// --- AI provider ---
	var provider ai.Provider
	switch {
	case cfg.AIProvider == "echo":
		slog.Warn("⚠️  Using echo AI provider (development only)")
		provider = &ai.EchoProvider{Delay: 50 * time.Millisecond}
	case cfg.AIAPIKey != "":
		provider = ai.NewOpenAIProvider(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
		slog.Info("✅ AI provider initialized", "provider", cfg.AIProvider, "model", cfg.AIModel)
	default:
		slog.Warn("No AI provider configured - assistant features disabled")
	}

	// --- Domain services ---
	reg := registry.New(busService)
	notifySvc := notify.New(reg, st)
	chatSvc := chat.New(st, reg, notifySvc, nil)

	var aiSvc *ai.Service
	var aiGateway gateway.AIService
	if provider != nil {
		aiSvc = ai.New(st, reg, notifySvc, chatSvc, provider, cfg.AIStreamCap, cfg.AIReadIdle)
		chatSvc.SetAI(aiSvc)
		aiGateway = aiSvc
	}

	presSvc := presence.New(reg, st, busService, cfg.PresenceGrace, cfg.TypingExpiry)
	callSvc := calls.New(st, reg, notifySvc, cfg.RingTimeout, cfg.CallReconnectGrace)

	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := gateway.NewHub(validator, reg, presSvc, chatSvc, aiGateway, callSvc, st,
		limiter, allowedOrigins, cfg.HandshakeTimeout)

	// --- Background workers ---
	rootCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	go presSvc.Run(rootCtx)
	reg.StartBridge(rootCtx, &workers)

	// --- Tracing (optional) ---
	var shutdownTracer func(context.Context) error
	if cfg.OtelCollector != "" {
		tp, err := tracing.InitTracer(context.Background(), "harmony-server", cfg.OtelCollector)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			shutdownTracer = tp.Shutdown
			slog.Info("✅ Tracing initialized", "collector", cfg.OtelCollector)
		}
	}

	// --- Set up Server ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if shutdownTracer != nil {
		router.Use(otelgin.Middleware("harmony-server"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(st, busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting connections first, then wind the rest down.
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	stopWorkers()
	workers.Wait()

	// Let in-flight AI streams persist their responses.
	if aiSvc != nil {
		aiSvc.Wait()
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("Failed to shut down tracer", "error", err)
		}
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	if err := st.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}

	slog.Info("Server exiting")
}
