package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicasapp/backend/config"
	"github.com/alicasapp/backend/internal/auth"
	"github.com/alicasapp/backend/internal/cache"
	"github.com/alicasapp/backend/internal/database"
	"github.com/alicasapp/backend/internal/handlers"
	"github.com/alicasapp/backend/internal/logging"
	"github.com/alicasapp/backend/internal/middleware"
	"github.com/alicasapp/backend/internal/notify"
	"github.com/alicasapp/backend/internal/repository"
	"github.com/alicasapp/backend/internal/storage"
	"github.com/alicasapp/backend/internal/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Server.Env != "production",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.RunMigrations(db.DB, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	// Connect to Redis
	redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("running without Redis, realtime changes stay on this instance", zap.Error(err))
		redis = nil
	} else {
		defer redis.Close()
	}

	mediaStore, err := storage.NewDiskStore(cfg.Media.Dir, cfg.Media.MaxUploadBytes)
	if err != nil {
		logger.Fatal("failed to prepare media storage", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)

	hub := websocket.NewHub(redis, logger.Named("ws"))
	go hub.Run(ctx)

	var publisher handlers.ChangePublisher = hub
	if redis != nil {
		publisher = redis
	}

	convHandler := handlers.NewConversationHandler(convRepo, msgRepo, publisher, logger)
	msgHandler := handlers.NewMessageHandler(msgRepo, convRepo, publisher, logger)
	mediaHandler := handlers.NewMediaHandler(mediaStore, cfg.Media.PublicBaseURL, logger)
	pushHandler := handlers.NewPushHandler(convRepo,
		notify.NewNtfyDispatcher(cfg.Push.NtfyBaseURL, time.Duration(cfg.Push.TimeoutSeconds)*time.Second),
		logger.Named("push"))
	authHandler := handlers.NewAuthHandler(jwtService)
	wsHandler := websocket.NewHandler(hub, jwtService, websocket.TopicAuthorizer(convRepo), cfg.CORS.AllowedOrigins)

	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec, cfg.API.RateLimitBurst)
	if redis != nil {
		rateLimiter.WithShared(redis, logger)
	}
	rateLimiter.Cleanup(ctx)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.Media.MaxUploadBytes
	router.Use(gin.Recovery(), middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": hub.ClientCount()})
	})

	if cfg.JWT.DevTokens {
		router.POST("/auth/token", authHandler.IssueToken)
	}
	router.GET("/ws", wsHandler.HandleWebSocket)
	router.GET("/media/:key", mediaHandler.Serve)

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService))
	{
		api.GET("/conversations", convHandler.GetConversations)
		api.POST("/conversations", convHandler.CreateConversation)
		api.GET("/conversations/:id", convHandler.GetConversation)
		api.POST("/conversations/:id/accept", convHandler.AcceptConversation)
		api.POST("/conversations/:id/decline", convHandler.DeclineConversation)

		api.GET("/conversations/:id/messages", msgHandler.GetMessages)
		api.POST("/conversations/:id/messages", middleware.RateLimitMiddleware(rateLimiter, "send"), msgHandler.SendMessage)
		api.POST("/messages/read", msgHandler.MarkRead)
		api.GET("/messages/unread", msgHandler.GetUnread)

		api.POST("/media", middleware.RateLimitMiddleware(rateLimiter, "upload"), mediaHandler.Upload)
		api.POST("/push", middleware.RateLimitMiddleware(rateLimiter, "push"), pushHandler.Relay)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
