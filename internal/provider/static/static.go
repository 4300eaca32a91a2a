// Package static is a canned-response provider used for local development
// and benchmarks. It lets the full dispatch path run end-to-end without any
// vendor SDK wired in.
package static

import (
	"context"
	"strconv"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/internal/provider"
	"github.com/nulzo/ai-orchestrator/pkg/api"
)

func init() {
	provider.Register("static", New)
}

type Static struct {
	name  string
	caps  provider.Capabilities
	text  string
	delay time.Duration
}

func New(cfg config.ProviderConfig) (provider.Provider, error) {
	s := &Static{
		name: cfg.Name,
		caps: provider.Capabilities{
			SupportsVision: cfg.SupportsVision,
			SupportsLocal:  cfg.SupportsLocal,
			MaxTokens:      cfg.MaxTokens,
			CostPerToken:   cfg.CostPerToken,
		},
		text: "ok",
	}
	if t, ok := cfg.Options["text"]; ok {
		s.text = t
	}
	if d, ok := cfg.Options["delay_ms"]; ok {
		if ms, err := strconv.Atoi(d); err == nil {
			s.delay = time.Duration(ms) * time.Millisecond
		}
	}
	return s, nil
}

func (s *Static) Name() string                        { return s.name }
func (s *Static) Capabilities() provider.Capabilities { return s.caps }

func (s *Static) Execute(ctx context.Context, req *api.Request) (*api.Response, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, api.ProviderFailure(s.name, true, ctx.Err())
		}
	}

	return &api.Response{
		RequestID:  req.ID,
		Text:       s.text,
		Provider:   s.name,
		Confidence: 1.0,
		Cost:       float64(len(req.Prompt)/4) * s.caps.CostPerToken,
		Latency:    s.delay,
	}, nil
}
