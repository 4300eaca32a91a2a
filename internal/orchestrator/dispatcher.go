// Package orchestrator is the top-level façade coordinating cache lookup,
// routing, admission gating, provider execution, and feedback propagation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/ai-orchestrator/internal/analytics"
	"github.com/nulzo/ai-orchestrator/internal/breaker"
	"github.com/nulzo/ai-orchestrator/internal/cache"
	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/internal/metrics"
	"github.com/nulzo/ai-orchestrator/internal/provider"
	"github.com/nulzo/ai-orchestrator/internal/ratelimit"
	"github.com/nulzo/ai-orchestrator/internal/registry"
	"github.com/nulzo/ai-orchestrator/internal/router"
	"github.com/nulzo/ai-orchestrator/internal/store"
	"github.com/nulzo/ai-orchestrator/internal/store/model"
	"github.com/nulzo/ai-orchestrator/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dispatcher owns all per-provider state explicitly, so isolated instances
// can coexist in one process (tests, multi-tenant embedding).
type Dispatcher struct {
	logger *zap.Logger

	callTimeout      time.Duration
	batchConcurrency int
	cacheTTL         time.Duration

	providers map[string]provider.Provider
	configs   map[string]config.ProviderConfig

	router   *router.Router
	registry *registry.Registry
	breakers *breaker.Set
	limits   *ratelimit.Set
	cache    cache.Cache
	metrics  metrics.Source
	ingest   analytics.Ingestor
	repo     store.Repository

	flights singleflight.Group
	now     func() time.Time
}

// New wires a dispatcher from configuration. Providers are instantiated
// through the typed factory map; the capability registry is seeded from
// each adapter's static descriptor.
func New(logger *zap.Logger, cfg *config.Config, c cache.Cache, src metrics.Source, ingest analytics.Ingestor, repo store.Repository) (*Dispatcher, error) {
	if ingest == nil {
		ingest = analytics.Nop{}
	}

	d := &Dispatcher{
		logger:           logger,
		callTimeout:      cfg.Dispatch.CallTimeout,
		batchConcurrency: cfg.Dispatch.BatchConcurrency,
		cacheTTL:         cfg.Cache.TTL,
		providers:        make(map[string]provider.Provider),
		configs:          make(map[string]config.ProviderConfig),
		registry:         registry.New(cfg.Router.RecentWindow),
		breakers:         breaker.NewSet(cfg.Breaker),
		limits:           ratelimit.NewSet(cfg.Providers),
		cache:            c,
		metrics:          src,
		ingest:           ingest,
		repo:             repo,
		now:              time.Now,
	}

	if d.callTimeout <= 0 {
		d.callTimeout = 30 * time.Second
	}
	if d.batchConcurrency <= 0 {
		d.batchConcurrency = 8
	}
	if d.cacheTTL <= 0 {
		d.cacheTTL = 5 * time.Minute
	}

	for _, pCfg := range cfg.Providers {
		d.configs[pCfg.Name] = pCfg
		// Entries without a type are registered later through
		// RegisterProvider (embedding callers, tests).
		if !pCfg.Enabled || pCfg.Type == "" {
			continue
		}
		p, err := provider.New(pCfg)
		if err != nil {
			return nil, fmt.Errorf("create provider %s (type %s): %w", pCfg.Name, pCfg.Type, err)
		}
		d.providers[pCfg.Name] = p
		d.registry.Add(pCfg.Name, p.Capabilities())
	}

	d.router = router.New(d.registry, cfg.Providers, cfg.Rules, cfg.Router)

	return d, nil
}

// RegisterProvider installs (or replaces) an adapter and seeds its
// capability registry entry. The provider must be declared in the
// configuration so its limiter and priority exist.
func (d *Dispatcher) RegisterProvider(p provider.Provider) error {
	if _, ok := d.configs[p.Name()]; !ok {
		return fmt.Errorf("provider %s not declared in configuration", p.Name())
	}
	d.providers[p.Name()] = p
	d.registry.Add(p.Name(), p.Capabilities())
	return nil
}

// Start restores persisted state and launches the record ingestor.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ingest.Start(ctx)

	if d.repo == nil {
		return nil
	}

	quotas, err := d.repo.Quotas().List(ctx)
	if err != nil {
		return fmt.Errorf("restore quota snapshots: %w", err)
	}
	restored := make(map[string]ratelimit.Quota, len(quotas))
	for _, q := range quotas {
		restored[q.Provider] = ratelimit.Quota{
			RequestsUsed:   q.RequestsUsed,
			TokensUsed:     q.TokensUsed,
			CostUsed:       q.CostUsed,
			LastReset:      q.LastReset,
			ThrottleFactor: q.ThrottleFactor,
		}
	}
	d.limits.Restore(restored)

	caps, err := d.repo.Capabilities().List(ctx)
	if err != nil {
		return fmt.Errorf("restore capability snapshots: %w", err)
	}
	snaps := make([]registry.Snapshot, 0, len(caps))
	for _, c := range caps {
		snaps = append(snaps, registry.Snapshot{
			Name:              c.Provider,
			AvgResponseTime:   time.Duration(c.AvgLatencyMS) * time.Millisecond,
			AvailabilityScore: c.AvailabilityScore,
		})
	}
	d.registry.Restore(snaps)

	return nil
}

// Stop persists quota and capability snapshots and drains the ingestor.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.ingest.Stop()

	if d.repo == nil {
		return nil
	}

	now := d.now()
	for name, q := range d.limits.Export() {
		snap := &model.QuotaSnapshot{
			Provider:       name,
			RequestsUsed:   q.RequestsUsed,
			TokensUsed:     q.TokensUsed,
			CostUsed:       q.CostUsed,
			LastReset:      q.LastReset,
			ThrottleFactor: q.ThrottleFactor,
			UpdatedAt:      now,
		}
		if err := d.repo.Quotas().Upsert(ctx, snap); err != nil {
			d.logger.Error("Failed to persist quota snapshot",
				zap.String("provider", name), zap.Error(err))
		}
	}

	for _, s := range d.registry.Export() {
		snap := &model.CapabilitySnapshot{
			Provider:          s.Name,
			AvgLatencyMS:      s.AvgResponseTime.Milliseconds(),
			AvailabilityScore: s.AvailabilityScore,
			UpdatedAt:         now,
		}
		if err := d.repo.Capabilities().Upsert(ctx, snap); err != nil {
			d.logger.Error("Failed to persist capability snapshot",
				zap.String("provider", s.Name), zap.Error(err))
		}
	}

	return nil
}

// Process dispatches one request: cache first, then ranked candidates with
// admission gating, falling through retryable failures until a provider
// succeeds or every candidate is rejected. Concurrent requests with the
// same fingerprint coalesce into a single upstream call.
func (d *Dispatcher) Process(ctx context.Context, req *api.Request) (*api.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	fp := cache.Fingerprint(req)

	if resp, ok := d.cache.Get(ctx, fp); ok {
		resp.RequestID = req.ID
		d.record(req, router.Classify(req), resp.Provider, 0, resp.Cost, 0, true, true, "")
		return resp, nil
	}

	v, err, shared := d.flights.Do(fp, func() (interface{}, error) {
		return d.dispatch(ctx, req, fp)
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*api.Response)
	if shared {
		// Followers get a copy of the leader's result so the leader's
		// response (and the cache entry) stay untouched.
		clone := *resp
		clone.RequestID = req.ID
		clone.Cached = true
		return &clone, nil
	}
	return resp, nil
}

// BatchProcess dispatches a set of requests concurrently, sharing one host
// metrics sample across the batch. Ranking stays per item: declared
// capabilities and prompt-matched rules differ between siblings even inside
// one complexity class. Results preserve input ordering; one item's failure
// never blocks its siblings.
func (d *Dispatcher) BatchProcess(ctx context.Context, reqs []*api.Request) []api.BatchResult {
	results := make([]api.BatchResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	snap := d.sample(ctx)

	sem := make(chan struct{}, d.batchConcurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			results[i] = api.BatchResult{Err: err}
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req *api.Request) {
			defer wg.Done()
			defer func() { <-sem }()

			c := router.Classify(req)
			fp := cache.Fingerprint(req)

			if resp, ok := d.cache.Get(ctx, fp); ok {
				resp.RequestID = req.ID
				d.record(req, c, resp.Provider, 0, resp.Cost, 0, true, true, "")
				results[i] = api.BatchResult{Response: resp}
				return
			}

			candidates, rejections := d.router.Rank(req, c, snap)
			resp, err := d.attempt(ctx, req, fp, c, candidates, rejections)
			results[i] = api.BatchResult{Response: resp, Err: err}
		}(i, req)
	}

	wg.Wait()
	return results
}

func (d *Dispatcher) dispatch(ctx context.Context, req *api.Request, fp string) (*api.Response, error) {
	complexity := router.Classify(req)
	snap := d.sample(ctx)
	candidates, rejections := d.router.Rank(req, complexity, snap)
	return d.attempt(ctx, req, fp, complexity, candidates, rejections)
}

// attempt walks the ranked candidates. Transient failures are absorbed and
// recorded into per-provider state; only a non-retryable error or total
// exhaustion reaches the caller.
func (d *Dispatcher) attempt(ctx context.Context, req *api.Request, fp string, complexity router.Complexity, candidates []router.Candidate, rejections []api.Rejection) (*api.Response, error) {
	// Own copy: sibling batch items share the seed rejection slice.
	tried := make([]api.Rejection, len(rejections))
	copy(tried, rejections)

	estTokens := router.EstimateTokens(req.Prompt)

	for _, cand := range candidates {
		name := cand.Name
		p, ok := d.providers[name]
		if !ok {
			tried = append(tried, api.Rejection{Provider: name, Reason: "not loaded"})
			continue
		}

		lim := d.limits.For(name)
		decision := lim.Check(estTokens)
		if !decision.Allowed {
			tried = append(tried, api.Rejection{Provider: name, Reason: decision.Reason})
			continue
		}

		br := d.breakers.For(name)
		if !br.Allow() {
			tried = append(tried, api.Rejection{Provider: name, Reason: "circuit breaker open"})
			continue
		}

		// Honor the adaptive throttle's pacing delay. Abandoning the call
		// here records no outcome, so any half-open trial claim must be
		// handed back.
		if pace := lim.Pace(); pace > 0 {
			select {
			case <-time.After(pace):
			case <-ctx.Done():
				br.Cancel()
				return nil, api.ProviderFailure(name, true, ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		start := d.now()
		resp, execErr := p.Execute(callCtx, req)
		cancel()
		latency := d.now().Sub(start)

		if execErr != nil && errors.Is(execErr, context.DeadlineExceeded) {
			execErr = api.TimeoutError(name, d.callTimeout)
		}

		success := execErr == nil
		actualTokens := estTokens
		actualCost := float64(estTokens) * d.configs[name].CostPerToken
		if success {
			actualTokens += router.EstimateTokens(resp.Text)
			actualCost = resp.Cost
		}

		lim.Record(estTokens, actualTokens, actualCost, latency, !success)
		br.Record(success)
		d.registry.Feedback(name, success, latency)
		d.record(req, complexity, name, latency, actualCost, int64(actualTokens), success, false, string(api.KindOf(execErr)))

		if execErr != nil {
			if !api.IsRetryable(execErr) {
				d.logger.Warn("Non-retryable provider failure, aborting request",
					zap.String("provider", name),
					zap.String("request_id", req.ID),
					zap.Error(execErr))
				return nil, execErr
			}
			tried = append(tried, api.Rejection{Provider: name, Reason: execErr.Error()})
			d.logger.Debug("Provider failed, falling through",
				zap.String("provider", name),
				zap.String("request_id", req.ID),
				zap.Error(execErr))
			continue
		}

		resp.RequestID = req.ID
		resp.Provider = name
		resp.Latency = latency
		if err := d.cache.Set(ctx, fp, resp, d.cacheTTL); err != nil {
			d.logger.Warn("Cache write failed", zap.Error(err))
		}
		return resp, nil
	}

	return nil, &api.ExhaustedError{RequestID: req.ID, Rejections: tried}
}

// ProviderStatus aggregates per-provider health for operators.
func (d *Dispatcher) ProviderStatus() []api.ProviderStatus {
	out := make([]api.ProviderStatus, 0, len(d.configs))
	for name, cfg := range d.configs {
		status := api.ProviderStatus{
			Name:    name,
			Enabled: cfg.Enabled,
		}
		if view, ok := d.registry.Get(name); ok {
			status.AvailabilityScore = view.AvailabilityScore
			status.AvgLatency = view.AvgResponseTime
		}
		status.CircuitState = d.breakers.For(name).State().String()
		if lim := d.limits.For(name); lim != nil {
			q := lim.Snapshot()
			status.RequestsUsed = q.RequestsUsed
			status.TokensUsed = q.TokensUsed
			status.CostUsedToday = q.CostUsed
			status.ThrottleFactor = q.ThrottleFactor
			if cfg.DailyBudget > 0 {
				status.BudgetRemaining = cfg.DailyBudget - q.CostUsed
				if status.BudgetRemaining < 0 {
					status.BudgetRemaining = 0
				}
			}
		}
		out = append(out, status)
	}
	return out
}

// CacheStats exposes hit/miss counters for the health surface.
func (d *Dispatcher) CacheStats() cache.Stats {
	return d.cache.Stats()
}

func (d *Dispatcher) sample(ctx context.Context) metrics.Snapshot {
	snap, err := d.metrics.Sample(ctx)
	if err != nil {
		// A failed sample reads as a loaded host: local preference is
		// simply not granted.
		d.logger.Debug("Resource sample failed", zap.Error(err))
		return metrics.Snapshot{CPUPercent: 100, MemoryPercent: 100}
	}
	return snap
}

func (d *Dispatcher) record(req *api.Request, complexity router.Complexity, providerName string, latency time.Duration, cost float64, tokens int64, success, cached bool, errorKind string) {
	if success {
		errorKind = ""
	}
	d.ingest.Log(&model.DispatchLog{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Provider:   providerName,
		Complexity: string(complexity),
		LatencyMS:  latency.Milliseconds(),
		Cost:       cost,
		Tokens:     tokens,
		Success:    success,
		Cached:     cached,
		ErrorKind:  errorKind,
		CreatedAt:  d.now(),
	})
}
