package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/duochat/internal/api"
	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/config"
	"github.com/observer/duochat/internal/database"
	"github.com/observer/duochat/internal/middleware"
	"github.com/observer/duochat/internal/presence"
	"github.com/observer/duochat/internal/pubsub"
	"github.com/observer/duochat/internal/server"
	"github.com/observer/duochat/internal/storage"
	"github.com/observer/duochat/internal/store"
	"github.com/observer/duochat/internal/store/memstore"
	"github.com/observer/duochat/internal/store/mongostore"
	"github.com/observer/duochat/internal/websocket"
)

func main() {
	// Structured logging from the start; the level is raised once config loads
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = repo.Close(closeCtx)
	}()
	slog.Info("store ready", "backend", cfg.StoreBackend)

	// Initialize token service (use a default key for dev if not set)
	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		jwtKey = "dev-signing-key-do-not-use-in-production!!"
		slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
	}

	tokenService, err := auth.NewTokenService(jwtKey, cfg.TokenTTL)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	authService := auth.NewService(repo, tokenService)
	chatService := chat.NewService(repo, logger)

	uploader, uploadDir, err := openUploads(cfg)
	if err != nil {
		slog.Error("failed to initialize image storage", "error", err)
		os.Exit(1)
	}

	ps, err := pubsub.Open(ctx, cfg.PubSubType, pubsubURL(cfg), logger)
	if err != nil {
		slog.Error("failed to initialize pubsub", "type", cfg.PubSubType, "error", err)
		os.Exit(1)
	}
	defer ps.Close()

	// Realtime: presence registry, per-user send limiter, hub
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin)
	go limiter.RunCleanup(appCtx, 5*time.Minute)

	registry := presence.New(logger)
	wsHub := websocket.NewHub(registry, authService, chatService, websocket.HubConfig{
		LookupTimeout: cfg.UserLookupTimeout,
		SendLimiter:   limiter,
	}, logger)
	hubDone := runHub(appCtx, wsHub, registry)

	routes, err := wsHub.SubscribeRoutes(appCtx, ps)
	if err != nil {
		slog.Error("failed to subscribe to message routes", "error", err)
		os.Exit(1)
	}
	defer routes.Unsubscribe()

	deps := &server.Dependencies{
		Store:       repo,
		AuthService: authService,
		AuthHandler: api.NewAuthHandler(authService, logger),
		UserHandler: api.NewUserHandler(chatService, logger),
		ConvHandler: api.NewConversationHandler(chatService, uploader, websocket.NewPubSubBroadcaster(ps), logger),
		WSHandler:   websocket.NewHandler(wsHub, cfg.AllowedOrigins, logger),
		RateLimiter: limiter,
		UploadDir:   uploadDir,
		Logger:      logger,
	}

	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	appCancel()
	<-hubDone

	slog.Info("server stopped")
}

// runHub runs the hub until ctx ends, then tears the presence registry down.
// The returned channel closes once both are stopped.
func runHub(ctx context.Context, hub *websocket.Hub, registry *presence.Registry) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer registry.Close()
		hub.Run(ctx)
	}()
	return done
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureSchema(ctx, db, logger); err != nil {
			db.Pool.Close()
			return nil, err
		}
		return database.NewStore(db), nil
	case config.StoreMongo:
		s, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		slog.Warn("using in-memory store - data is lost on restart")
		return memstore.New(), nil
	}
}

// openUploads prefers R2 and falls back to the local disk, which the server
// then exposes under /uploads/.
func openUploads(cfg *config.Config) (*storage.Uploader, string, error) {
	if cfg.R2Enabled() {
		r2, err := storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
			PublicBaseURL:   cfg.R2PublicURL,
			URLExpiry:       cfg.R2URLExpiry,
		})
		if err != nil {
			return nil, "", err
		}
		slog.Info("R2 storage initialized", "bucket", cfg.R2Bucket)
		return storage.NewUploader(r2, cfg.MaxUploadBytes), "", nil
	}

	disk, err := storage.NewDiskStorage(cfg.UploadDir, "/uploads/")
	if err != nil {
		return nil, "", err
	}
	slog.Warn("R2 storage not configured - storing images on local disk", "dir", cfg.UploadDir)
	return storage.NewUploader(disk, cfg.MaxUploadBytes), cfg.UploadDir, nil
}

func pubsubURL(cfg *config.Config) string {
	switch cfg.PubSubType {
	case pubsub.BackendRedis:
		return cfg.RedisURL
	case pubsub.BackendNATS:
		return cfg.NatsURL
	}
	return ""
}
