package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vpnshop/internal/config"
	"vpnshop/internal/cron"
	"vpnshop/internal/handler/api"
	"vpnshop/internal/middleware"
	"vpnshop/internal/models"
	"vpnshop/internal/panel"
	"vpnshop/internal/repository"
	"vpnshop/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := db.AutoMigrate(&models.Panel{}, &models.PanelInbound{}, &models.Order{}); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable, idempotency falls back to in-memory", zap.Error(err))
	}

	repos := &api.Repos{
		Panel:        repository.NewPanelRepository(db),
		Order:        repository.NewOrderRepository(db),
		PanelInbound: repository.NewPanelInboundRepository(db),
	}
	factory := panel.NewFactory(logger).WithRequestTimeout(cfg.Panel.RequestTimeout)
	guard := middleware.NewIdempotencyGuard(rdb, logger)

	e := router.New(cfg.App.APIToken, guard,
		api.NewPanelHandler(repos, factory, logger),
		api.NewOrderHandler(repos, factory, logger))

	scheduler := cron.NewScheduler(repos.Panel, repos.PanelInbound, repos.Order, factory, logger)
	if err := scheduler.Start(cfg.Panel.SyncCron); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		logger.Info("http server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var zc zap.Config
	if cfg.App.Env == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.App.LogLevel); err == nil {
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	return logger
}
