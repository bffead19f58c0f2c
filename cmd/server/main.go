// CareMate - supportive chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/caremate/internal/api"
	"github.com/ashureev/caremate/internal/config"
	"github.com/ashureev/caremate/internal/convlog"
	"github.com/ashureev/caremate/internal/hub"
	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/live"
	"github.com/ashureev/caremate/internal/middleware"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/prompts"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/store"
	"github.com/ashureev/caremate/internal/support"
	"github.com/ashureev/caremate/internal/voice"
	"github.com/ashureev/caremate/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		MaxOpenFiles:  cfg.ConversationLog.MaxOpenFiles,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	quickPrompts, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		slog.Error("Failed to load quick prompts", "error", err, "path", cfg.PromptsFile)
		os.Exit(1)
	}

	// The in-process support service backs /api/support and, without a
	// remote responder, the sessions themselves.
	upstream := support.DefaultOpenAIConfig(cfg.OpenAI.APIKey)
	upstream.URL = cfg.OpenAI.URL
	upstream.Model = cfg.OpenAI.Model
	supportService := support.NewService(support.NewOpenAIClient(upstream, logger))
	if cfg.OpenAI.APIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, /api/support will answer 500")
	}

	reply, closeResponder, err := newResponder(cfg, supportService, logger)
	if err != nil {
		slog.Error("Failed to initialize responder", "error", err)
		os.Exit(1)
	}
	defer closeResponder()

	locale := voice.ResolveLocale(cfg.DefaultLocale)
	sessions := hub.New(func(ctx context.Context, ownerID string) (*session.Orchestrator, error) {
		return session.New(ctx, session.Config{
			OwnerID:        ownerID,
			Responder:      reply,
			Persistence:    persist.New(repo, ownerID, logger),
			Locale:         locale,
			Prompts:        quickPrompts,
			HistoryLimit:   cfg.Session.HistoryLimit,
			RequestTimeout: cfg.Session.RequestTimeout,
			Logger:         logger,
			Conversations:  conversationLogger,
		})
	}, logger)

	// Initialize handlers.
	conns := live.NewConnManager()
	baseHandler := api.NewHandler(repo, sessions, conns)
	sessionHandler := api.NewSessionHandler(baseHandler, api.ClientConfig{
		RemoteResponder: cfg.UsesRemoteResponder(),
		DefaultLocale:   locale.String(),
	})
	healthHandler := api.NewHealthHandler(repo, 0)
	supportHandler := support.NewHandler(supportService, support.HandlerConfig{
		Configured:        cfg.OpenAI.APIKey != "",
		RateLimitRequests: cfg.RateLimit.Requests,
		RateLimitWindow:   cfg.RateLimit.Window,
	}, conversationLogger)
	defer supportHandler.Close()
	wsHandler := live.NewWebSocketHandler(sessions, conns, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	sessionHandler.RegisterRoutes(r)
	supportHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Websocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub.StartSweeper(ctx, sessions, repo, hub.SweeperConfig{
		Interval:        cfg.Session.SweepInterval,
		IdleTTL:         cfg.Session.IdleTTL,
		DeviceRetention: cfg.Session.DeviceRetention,
	}, func(ownerID string) {
		slog.Info("Session evicted", "user_id", ownerID)
	})

	var grpcServer *grpc.Server
	if cfg.Responder.GrpcListen != "" {
		grpcServer, err = serveGrpc(cfg.Responder.GrpcListen, supportService)
		if err != nil {
			slog.Error("Failed to start gRPC responder", "error", err)
			os.Exit(1)
		}
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conns.CloseAll("server shutting down")
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	// Let in-flight replies land so they are persisted before exit.
	sessions.CloseAll(shutdownCtx)

	slog.Info("Server stopped successfully")
}

// newResponder picks the session responder: an HTTP peer, a gRPC peer or the
// in-process support service.
func newResponder(cfg *config.Config, local *support.Service, logger *slog.Logger) (responder.Responder, func(), error) {
	switch {
	case cfg.Responder.URL != "":
		slog.Info("Using HTTP responder", "url", cfg.Responder.URL)
		return responder.NewHTTPClient(cfg.Responder.URL, cfg.Session.RequestTimeout, logger), func() {}, nil
	case cfg.Responder.GrpcAddr != "":
		slog.Info("Connecting to gRPC responder", "address", cfg.Responder.GrpcAddr)
		client, err := responder.NewGrpcClient(responder.DefaultGrpcClientConfig(cfg.Responder.GrpcAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		slog.Info("Using in-process support service")
		return local, func() {}, nil
	}
}

func serveGrpc(addr string, r responder.Responder) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	responder.RegisterGrpcService(s, r)
	go func() {
		slog.Info("gRPC responder listening", "addr", addr)
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC responder failed", "error", err)
		}
	}()
	return s, nil
}
