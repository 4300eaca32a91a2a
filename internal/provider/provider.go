package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/pkg/api"
)

// Capabilities is the static descriptor a provider exposes. The learned
// counterparts (latency EMA, availability) live in the capability registry.
type Capabilities struct {
	SupportsVision bool
	SupportsLocal  bool
	MaxTokens      int
	CostPerToken   float64
}

// Provider is the adapter contract. The orchestration core never depends on
// vendor wire formats; adapters translate Execute into whatever protocol
// their backend speaks and classify failures into typed errors.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, req *api.Request) (*api.Response, error)
}

// Factory is a function that creates a Provider instance given a configuration.
type Factory func(cfg config.ProviderConfig) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a provider factory available to the system.
// 'type' is the key (e.g., "static", "openai-compatible").
func Register(providerType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[providerType]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", providerType))
	}
	factories[providerType] = f
}

// New creates a provider of the configured type.
func New(cfg config.ProviderConfig) (Provider, error) {
	mu.RLock()
	f, ok := factories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider factory not found for type: %s", cfg.Type)
	}
	return f(cfg)
}
