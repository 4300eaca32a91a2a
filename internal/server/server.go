package server

import (
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/ai-orchestrator/internal/config"
	v1 "github.com/nulzo/ai-orchestrator/internal/server/v1"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.Logger
	proxy  *serviceProxy
	reload v1.ReloadFunc
}

func New(cfg *config.Config, logger *zap.Logger, service v1.Orchestrator, reload v1.ReloadFunc) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))

	s := &Server{
		router: engine,
		config: cfg,
		logger: logger,
		proxy:  &serviceProxy{service: service},
		reload: reload,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Swap replaces the running orchestrator after a config reload. In-flight
// requests finish against the instance they started with.
func (s *Server) Swap(service v1.Orchestrator) {
	s.proxy.swap(service)
}

// serviceProxy lets handlers hold a stable reference while reloads swap
// the dispatcher underneath.
type serviceProxy struct {
	mu      sync.RWMutex
	service v1.Orchestrator
}

func (p *serviceProxy) get() v1.Orchestrator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.service
}

func (p *serviceProxy) swap(s v1.Orchestrator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.service = s
}
