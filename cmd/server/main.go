package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/analytics"
	"github.com/nulzo/ai-orchestrator/internal/cache"
	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/internal/logger"
	"github.com/nulzo/ai-orchestrator/internal/metrics"
	"github.com/nulzo/ai-orchestrator/internal/orchestrator"
	"github.com/nulzo/ai-orchestrator/internal/platform/otel"
	"github.com/nulzo/ai-orchestrator/internal/server"
	"github.com/nulzo/ai-orchestrator/internal/server/validator"
	"github.com/nulzo/ai-orchestrator/internal/store"
	"github.com/nulzo/ai-orchestrator/internal/store/sqlite"
	"github.com/nulzo/ai-orchestrator/internal/version"
	"go.uber.org/zap"

	// Import providers to trigger init() registration
	_ "github.com/nulzo/ai-orchestrator/internal/provider/static"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Initialize(cfg.Server.Env)
	defer logger.Sync()
	log := logger.Get()

	if cfg.Server.CheckUpdates {
		go version.CheckForUpdates()
	}

	shutdownTracer, err := otel.InitTracer("ai-orchestrator", log, os.Stdout)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	validator.InitValidator()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher, repo, err := buildDispatcher(cfg, log)
	if err != nil {
		log.Fatal("Failed to build dispatcher", zap.Error(err))
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	var srv *server.Server
	reload := func() error {
		newCfg, err := config.Reload()
		if err != nil {
			return err
		}
		newDispatcher, newRepo, err := buildDispatcher(newCfg, log)
		if err != nil {
			return err
		}
		if err := newDispatcher.Start(ctx); err != nil {
			return err
		}

		srv.Swap(newDispatcher)

		if err := dispatcher.Stop(context.Background()); err != nil {
			log.Warn("Failed to stop previous dispatcher cleanly", zap.Error(err))
		}
		if repo != nil {
			_ = repo.Close()
		}
		dispatcher, repo = newDispatcher, newRepo
		log.Info("Configuration reloaded")
		return nil
	}

	srv = server.New(cfg, log, dispatcher, reload)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info("Starting AI orchestrator", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("Dispatcher shutdown failed", zap.Error(err))
	}
	if repo != nil {
		_ = repo.Close()
	}
	_ = shutdownTracer(shutdownCtx)
}

func buildDispatcher(cfg *config.Config, log *zap.Logger) (*orchestrator.Dispatcher, store.Repository, error) {
	var repo store.Repository
	var ingest analytics.Ingestor

	if cfg.Store.Enabled {
		r, err := sqlite.NewSQLiteStorage(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		repo = r
		ingest = analytics.NewIngestor(log, repo)
	}

	var respCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		respCache = cache.NewRedis(cfg.Redis)
	} else {
		respCache = cache.NewMemory(cfg.Cache.MaxEntries)
	}

	dispatcher, err := orchestrator.New(log, cfg, respCache, metrics.NewSystem(), ingest, repo)
	if err != nil {
		if repo != nil {
			_ = repo.Close()
		}
		return nil, nil, err
	}

	return dispatcher, repo, nil
}
