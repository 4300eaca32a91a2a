// Package router classifies requests and ranks candidate providers using
// the capability registry, live host metrics, and operator routing rules.
package router

import (
	"sort"
	"strings"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/internal/metrics"
	"github.com/nulzo/ai-orchestrator/internal/registry"
	"github.com/nulzo/ai-orchestrator/pkg/api"
)

// Scoring weights. They sum to 1.0; the local-resource share is only
// granted when the host has headroom.
const (
	weightAvailability = 0.30
	weightLatency      = 0.25
	weightCost         = 0.20
	weightLocal        = 0.15
	weightSuccessRate  = 0.10
)

var defaultMaxLatency = map[Complexity]time.Duration{
	Simple:  2 * time.Second,
	Medium:  5 * time.Second,
	Complex: 10 * time.Second,
	Vision:  10 * time.Second,
}

// Candidate is one ranked provider for a request.
type Candidate struct {
	Name  string
	Score float64
	// Rule names the routing rule that promoted this candidate, empty for
	// score-ranked ones.
	Rule string
}

type Router struct {
	registry  *registry.Registry
	providers map[string]config.ProviderConfig
	rules     []config.RoutingRule
	cfg       config.RouterConfig
}

func New(reg *registry.Registry, providers []config.ProviderConfig, rules []config.RoutingRule, cfg config.RouterConfig) *Router {
	byName := make(map[string]config.ProviderConfig, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}

	// Rules apply in declared priority order, lower value first.
	sorted := make([]config.RoutingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	if cfg.CPUThresholdPercent <= 0 {
		cfg.CPUThresholdPercent = 70
	}
	if cfg.MemoryThresholdPercent <= 0 {
		cfg.MemoryThresholdPercent = 80
	}

	return &Router{
		registry:  reg,
		providers: byName,
		rules:     sorted,
		cfg:       cfg,
	}
}

// Rank returns eligible providers in dispatch order, plus a rejection for
// every configured provider filtered out before scoring. Rule-promoted
// candidates lead; the rest follow by descending score with declared
// priority breaking ties.
func (r *Router) Rank(req *api.Request, complexity Complexity, snap metrics.Snapshot) ([]Candidate, []api.Rejection) {
	var rejections []api.Rejection

	eligible := make(map[string]registry.View)
	maxCost := 0.0
	for name, cfg := range r.providers {
		if !cfg.Enabled {
			rejections = append(rejections, api.Rejection{Provider: name, Reason: "disabled"})
			continue
		}
		view, ok := r.registry.Get(name)
		if !ok {
			rejections = append(rejections, api.Rejection{Provider: name, Reason: "not registered"})
			continue
		}
		if complexity == Vision && !view.Capabilities.SupportsVision {
			rejections = append(rejections, api.Rejection{Provider: name, Reason: "vision not supported"})
			continue
		}
		if req.Needs(api.CapabilityLocal) && !view.Capabilities.SupportsLocal {
			rejections = append(rejections, api.Rejection{Provider: name, Reason: "local execution not supported"})
			continue
		}
		eligible[name] = view
		if view.Capabilities.CostPerToken > maxCost {
			maxCost = view.Capabilities.CostPerToken
		}
	}

	promoted := make([]Candidate, 0, 1)
	promotedSet := make(map[string]bool)
	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Complexity != "" && !strings.EqualFold(rule.Complexity, string(complexity)) {
			continue
		}
		if rule.PromptContains != "" && !strings.Contains(strings.ToLower(req.Prompt), strings.ToLower(rule.PromptContains)) {
			continue
		}
		if _, ok := eligible[rule.Target]; !ok || promotedSet[rule.Target] {
			continue
		}
		promoted = append(promoted, Candidate{Name: rule.Target, Rule: rule.Name})
		promotedSet[rule.Target] = true
	}

	scored := make([]Candidate, 0, len(eligible))
	for name, view := range eligible {
		if promotedSet[name] {
			continue
		}
		scored = append(scored, Candidate{
			Name:  name,
			Score: r.Score(view, complexity, snap, maxCost),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		// Lower declared priority value wins ties.
		return r.providers[scored[i].Name].Priority < r.providers[scored[j].Name].Priority
	})

	return append(promoted, scored...), rejections
}

// Score computes the weighted sum for one provider. maxCost is the most
// expensive eligible provider's per-token cost, used to normalize the
// inverse-cost term.
func (r *Router) Score(view registry.View, complexity Complexity, snap metrics.Snapshot, maxCost float64) float64 {
	score := weightAvailability * view.AvailabilityScore

	maxLatency := r.maxLatencyFor(complexity)
	latencyTerm := 1.0
	if view.AvgResponseTime > 0 && maxLatency > 0 {
		latencyTerm = 1.0 - float64(view.AvgResponseTime)/float64(maxLatency)
		if latencyTerm < 0 {
			latencyTerm = 0
		}
	}
	score += weightLatency * latencyTerm

	costTerm := 1.0
	if maxCost > 0 {
		costTerm = 1.0 - view.Capabilities.CostPerToken/maxCost
	}
	score += weightCost * costTerm

	// Complex work prefers cloud capacity; the local bonus only applies to
	// the lighter buckets and only with host headroom.
	if complexity != Complex && view.Capabilities.SupportsLocal && r.resourcesAllowLocal(snap) {
		score += weightLocal
	}

	score += weightSuccessRate * view.RecentSuccessRate

	if w := r.providers[view.Name].Weight; w > 0 {
		score *= w
	}

	return score
}

func (r *Router) resourcesAllowLocal(snap metrics.Snapshot) bool {
	return snap.CPUPercent < r.cfg.CPUThresholdPercent &&
		snap.MemoryPercent < r.cfg.MemoryThresholdPercent
}

func (r *Router) maxLatencyFor(c Complexity) time.Duration {
	if r.cfg.MaxLatency != nil {
		if d, ok := r.cfg.MaxLatency[string(c)]; ok && d > 0 {
			return d
		}
	}
	return defaultMaxLatency[c]
}
