package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"threadline/api/internal/app"
	"threadline/api/internal/authpw"
	"threadline/api/internal/cache"
	"threadline/api/internal/config"
	"threadline/api/internal/jobs"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
	"threadline/api/internal/ws"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	commentCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer commentCache.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	searchService.ReindexAllFromPG(ctx)

	credentials := authpw.NewService(dataStore)

	service := app.New(cfg, dataStore, credentials, commentCache, nil, searchService, logger)
	hub := ws.NewHub(logger, service.VerifyToken)
	service.SetHub(hub)

	jobClient, err := jobs.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("job client failed", zap.Error(err))
	}
	defer jobClient.Close()

	handlers := jobs.NewHandlers(dataStore, jobClient, searchService, logger)
	worker, mux, err := jobs.NewServer(cfg.RedisURL, handlers, logger)
	if err != nil {
		logger.Fatal("job server failed", zap.Error(err))
	}
	if err := worker.Start(mux); err != nil {
		logger.Fatal("job server start failed", zap.Error(err))
	}
	defer worker.Shutdown()

	scheduler, err := jobs.NewScheduler(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("scheduler failed", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer scheduler.Shutdown()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, hub, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Threadline API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	hub.Close()
}
