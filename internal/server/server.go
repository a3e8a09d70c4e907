package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/observer/duochat/internal/api"
	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/config"
	_ "github.com/observer/duochat/internal/docs"
	"github.com/observer/duochat/internal/middleware"
	"github.com/observer/duochat/internal/websocket"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Store       HealthChecker
	AuthService *auth.Service
	AuthHandler *api.AuthHandler
	UserHandler *api.UserHandler
	ConvHandler *api.ConversationHandler
	WSHandler   *websocket.Handler
	RateLimiter *middleware.RateLimiter
	UploadDir   string // served at /uploads/ when set
	Logger      *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	return &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     NewHandler(cfg, deps),
		ReadTimeout: 15 * time.Second,
		// Uploads and websocket writes manage their own deadlines
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// NewHandler builds the routed, middleware-wrapped handler
func NewHandler(cfg *config.Config, deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg.AllowedOrigins),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies store connectivity
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := deps.Store.Health(r.Context()); err != nil {
			deps.Logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","error":"store unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	limit := func(h http.Handler) http.Handler { return h }
	if deps.RateLimiter != nil {
		limit = deps.RateLimiter.Middleware
	}

	// =========================================================================
	// Auth routes (public)
	// =========================================================================
	mux.Handle("POST /auth/register", limit(http.HandlerFunc(deps.AuthHandler.Register)))
	mux.Handle("POST /auth/login", limit(http.HandlerFunc(deps.AuthHandler.Login)))

	// =========================================================================
	// Protected routes (require auth)
	// =========================================================================
	authMiddleware := auth.Middleware(deps.AuthService)
	protected := func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }

	mux.Handle("GET /auth/me", protected(deps.AuthHandler.Me))
	mux.Handle("GET /users", protected(deps.UserHandler.List))

	// =========================================================================
	// Conversation routes
	// =========================================================================
	mux.Handle("POST /conversations", protected(deps.ConvHandler.CreateConversation))
	mux.Handle("GET /conversations", protected(deps.ConvHandler.ListConversations))

	// =========================================================================
	// Message routes
	// =========================================================================
	mux.Handle("GET /conversations/{id}/messages", protected(deps.ConvHandler.GetMessages))
	mux.Handle("POST /conversations/{id}/messages", authMiddleware(limit(http.HandlerFunc(deps.ConvHandler.SendMessage))))

	// =========================================================================
	// WebSocket route
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)

	// =========================================================================
	// Uploaded images (disk backend) and API docs
	// =========================================================================
	if deps.UploadDir != "" {
		mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", noDirListing(http.FileServer(http.Dir(deps.UploadDir)))))
	}
	mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
