package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"store-sync-service/internal/api"
	"store-sync-service/internal/bus"
	"store-sync-service/internal/cache"
	"store-sync-service/internal/config"
	"store-sync-service/internal/database"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/metrics"
	"store-sync-service/internal/security"
	"store-sync-service/internal/store"
	"store-sync-service/internal/sync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting store sync service",
		zap.String("store", cfg.StoreID),
		zap.String("central", cfg.CentralStore),
		zap.String("state_storage", cfg.StateStorage.Type),
	)

	db, err := database.Open(cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to open state storage", zap.Error(err))
	}

	stateStore, err := store.New(db)
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}
	defer stateStore.Close()

	records, err := entity.NewRecordStore(db)
	if err != nil {
		logger.Log.Fatal("Failed to init entity records", zap.Error(err))
	}

	eventBus := bus.New()
	cacheMgr := cache.NewManager(cfg.Cache, records)
	manager := sync.NewManager(cfg, stateStore, records, cacheMgr, eventBus)

	tokens := security.NewTokenManager(cfg.Security.SecretKey, cfg.Security.GetTokenLifetime())
	wsHandler := bus.NewWSHandler(eventBus, tokens, manager.Auditor(), manager.Snapshot)

	scheduler := sync.NewScheduler(cfg.Scheduler, cfg.Cache.BatchSize, manager)
	if err := scheduler.Start(); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		go metrics.Serve(cfg.Metrics.Port)
	}

	handler := api.NewHandler(cfg, stateStore, manager, tokens, wsHandler)
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	logger.Log.Info("Shutdown complete")
}
