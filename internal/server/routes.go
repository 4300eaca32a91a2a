package server

import (
	"context"

	"github.com/nulzo/ai-orchestrator/internal/cache"
	"github.com/nulzo/ai-orchestrator/internal/server/middleware"
	v1 "github.com/nulzo/ai-orchestrator/internal/server/v1"
	"github.com/nulzo/ai-orchestrator/pkg/api"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func (s *Server) SetupRoutes() {
	s.router.Use(otelgin.Middleware("ai-orchestrator"))
	s.router.Use(middleware.ErrorHandler())

	// Health Check (Public)
	healthHandler := v1.NewHealthHandler()
	s.router.GET("/health", healthHandler.Health)

	rl := middleware.NewRateLimiter(s.config.Server.RPS, s.config.Server.Burst, s.logger)

	group := s.router.Group("/v1")
	group.Use(middleware.Auth(s.config.Server.APIKeys))
	group.Use(rl.Middleware())
	{
		dispatchHandler := v1.NewDispatchHandler(s.proxy)
		group.POST("/requests", dispatchHandler.Process)
		group.POST("/requests/batch", dispatchHandler.BatchProcess)

		providerHandler := v1.NewProviderHandler(s.proxy)
		group.GET("/providers", providerHandler.ListStatus)

		configHandler := v1.NewConfigHandler(s.reload)
		group.POST("/config/reload", configHandler.Reload)
	}
}

// serviceProxy satisfies v1.Orchestrator by delegating to the current
// dispatcher.

func (p *serviceProxy) Process(ctx context.Context, req *api.Request) (*api.Response, error) {
	return p.get().Process(ctx, req)
}

func (p *serviceProxy) BatchProcess(ctx context.Context, reqs []*api.Request) []api.BatchResult {
	return p.get().BatchProcess(ctx, reqs)
}

func (p *serviceProxy) ProviderStatus() []api.ProviderStatus {
	return p.get().ProviderStatus()
}

func (p *serviceProxy) CacheStats() cache.Stats {
	return p.get().CacheStats()
}
