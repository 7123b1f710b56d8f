package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/analytics"
	"warden/internal/bot"
	"warden/internal/config"
	"warden/internal/cooldown"
	"warden/internal/health"
	"warden/internal/modules/audit"
	"warden/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	var cooldowns cooldown.Store = cooldown.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		redisStore, err := cooldown.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, using in-process cooldowns", zap.Error(err))
		} else {
			defer redisStore.Close()
			cooldowns = redisStore
		}
	}

	auditLogger := audit.NewLogger(store, logger.Named("audit"))
	botSvc, err := bot.New(cfg, logger, store, auditLogger, analytics.New(store), cooldowns)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}
	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	monitor := health.NewMonitor(time.Duration(cfg.Health.MemoryCheckSeconds)*time.Second, cfg.Health.MemoryWarnMegabytes, logger.Named("health"))
	g.Go(func() error {
		monitor.Run(groupCtx)
		return nil
	})
	if cfg.Health.Enabled {
		server := health.NewServer(cfg.Health.Addr, monitor, botSvc.Ready, logger.Named("health"))
		g.Go(func() error {
			return server.ListenAndServe(groupCtx)
		})
	}
	g.Go(func() error {
		return botSvc.RunMaintenance(groupCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("runtime stopped with error", zap.Error(err))
	}
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	botSvc.Close(shutdownCtx)
}
