package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"farmchat/internal/config"
	"farmchat/internal/logging"
	"farmchat/internal/server"
	"farmchat/internal/store"
	"farmchat/internal/websocket"
)

// memoryDatabaseURL selects the in-process store instead of Postgres.
const memoryDatabaseURL = "memory"

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Error: Configuration not loaded: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Error: Logger not configured: %v", err)
	}
	defer logger.Sync()

	logger.Info("Chat server starting",
		zap.String("port", cfg.ServerPort),
		zap.String("jwt_secret_preview", previewSecret(cfg.JWTSecret)),
		zap.Bool("dev_auth", cfg.DevAuth))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Unable to open store", zap.Error(err))
	}
	defer closeStore()

	wsHub := websocket.NewHub(st, logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		wsHub.Run(ctx)
	}()

	gin.SetMode(gin.ReleaseMode)
	r := server.NewRouter(st, wsHub, server.Options{
		JWTSecret:    cfg.JWTSecret,
		TokenMaxAge:  cfg.TokenMaxAge,
		DevAuth:      cfg.DevAuth,
		AllowOrigins: splitOrigins(os.Getenv("CORS_ORIGINS")),
		AccessLog:    true,
	}, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		logger.Info("Listening and serving HTTP", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	<-hubDone
	logger.Info("Server exiting")
}

func openStore(ctx context.Context, databaseURL string, logger *zap.Logger) (store.Store, func(), error) {
	if databaseURL == memoryDatabaseURL {
		logger.Warn("Using the in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}

	dbpool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx, dbpool); err != nil {
		dbpool.Close()
		return nil, nil, err
	}
	logger.Info("Successfully connected to the database")
	return store.NewPostgres(dbpool), dbpool.Close, nil
}

func previewSecret(secret string) string {
	if len(secret) >= 5 {
		return secret[:5] + "..."
	}
	return "..."
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
