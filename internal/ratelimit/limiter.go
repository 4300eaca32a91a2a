// Package ratelimit enforces per-provider admission: two token buckets
// (requests and tokens), a daily cost budget, and an adaptive throttle that
// paces calls to providers showing sustained errors.
package ratelimit

import (
	"sync"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/config"
	"golang.org/x/time/rate"
)

const (
	// Token-bucket burst for the token limiter is the request burst scaled
	// by a typical per-request token count.
	tokenBurstFactor = 100

	// Rolling window for the error rate feeding the adaptive throttle.
	errorWindowSize = 20

	throttleGrowth   = 1.5
	throttleDecay    = 0.9
	maxThrottle      = 16.0
	basePaceInterval = 100 * time.Millisecond
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed        bool
	Reason         string
	Wait           time.Duration
	QuotaRemaining int64
	CostRemaining  float64
}

// Quota is the daily usage state for one provider. Reset lazily on the
// first check or record after a calendar-day boundary.
type Quota struct {
	RequestsUsed   int64
	TokensUsed     int64
	CostUsed       float64
	LastReset      time.Time
	ThrottleFactor float64
}

// Limiter guards one provider. The combined bucket check and debit happens
// under a single mutex so concurrent callers can never over-admit.
type Limiter struct {
	mu sync.Mutex

	name         string
	requests     *rate.Limiter
	tokens       *rate.Limiter
	costPerToken float64
	dailyBudget  float64

	quota Quota

	errWindow [errorWindowSize]bool
	errNext   int
	errFilled int

	now func() time.Time
}

func New(cfg config.ProviderConfig) *Limiter {
	l := &Limiter{
		name:         cfg.Name,
		costPerToken: cfg.CostPerToken,
		dailyBudget:  cfg.DailyBudget,
		now:          time.Now,
	}
	l.quota.ThrottleFactor = 1.0
	l.quota.LastReset = l.now()

	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RequestsPerMinute + cfg.BurstAllowance
		l.requests = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	} else {
		l.requests = rate.NewLimiter(rate.Inf, 0)
	}

	if cfg.TokensPerMinute > 0 {
		burst := cfg.TokensPerMinute + cfg.BurstAllowance*tokenBurstFactor
		l.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), burst)
	} else {
		l.tokens = rate.NewLimiter(rate.Inf, 0)
	}

	return l
}

// Check decides admission for a request estimated at estimatedTokens. The
// budget check and both bucket debits are one atomic operation: on any
// denial every reservation taken so far is cancelled.
func (l *Limiter) Check(estimatedTokens int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDay()

	estCost := float64(estimatedTokens) * l.costPerToken

	if l.dailyBudget > 0 && l.quota.CostUsed+estCost > l.dailyBudget {
		return Decision{
			Allowed:        false,
			Reason:         "daily budget exhausted",
			QuotaRemaining: l.requestsRemaining(),
			CostRemaining:  l.costRemaining(),
		}
	}

	now := l.now()

	reqRes := l.requests.ReserveN(now, 1)
	if !reqRes.OK() || reqRes.DelayFrom(now) > 0 {
		wait := time.Duration(0)
		if reqRes.OK() {
			wait = reqRes.DelayFrom(now)
			reqRes.CancelAt(now)
		}
		return Decision{
			Allowed:        false,
			Reason:         "request rate limit exceeded",
			Wait:           wait,
			QuotaRemaining: l.requestsRemaining(),
			CostRemaining:  l.costRemaining(),
		}
	}

	tokRes := l.tokens.ReserveN(now, estimatedTokens)
	if !tokRes.OK() || tokRes.DelayFrom(now) > 0 {
		reqRes.CancelAt(now)
		wait := time.Duration(0)
		if tokRes.OK() {
			wait = tokRes.DelayFrom(now)
			tokRes.CancelAt(now)
		}
		return Decision{
			Allowed:        false,
			Reason:         "token rate limit exceeded",
			Wait:           wait,
			QuotaRemaining: l.requestsRemaining(),
			CostRemaining:  l.costRemaining(),
		}
	}

	l.quota.RequestsUsed++
	l.quota.TokensUsed += int64(estimatedTokens)
	l.quota.CostUsed += estCost

	return Decision{
		Allowed:        true,
		QuotaRemaining: l.requestsRemaining(),
		CostRemaining:  l.costRemaining(),
	}
}

// Record reconciles an admitted request to its actual usage and updates the
// adaptive throttle from the rolling error rate.
func (l *Limiter) Record(estimatedTokens, actualTokens int, actualCost float64, latency time.Duration, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDay()

	tokenDelta := actualTokens - estimatedTokens
	l.quota.TokensUsed += int64(tokenDelta)
	if l.quota.TokensUsed < 0 {
		l.quota.TokensUsed = 0
	}
	if tokenDelta > 0 {
		// Consume the overshoot; x/time cannot refund an undershoot, which
		// only makes admission slightly conservative.
		_ = l.tokens.ReserveN(l.now(), tokenDelta)
	}

	estCost := float64(estimatedTokens) * l.costPerToken
	l.quota.CostUsed += actualCost - estCost
	if l.quota.CostUsed < 0 {
		l.quota.CostUsed = 0
	}

	l.errWindow[l.errNext] = isError
	l.errNext = (l.errNext + 1) % errorWindowSize
	if l.errFilled < errorWindowSize {
		l.errFilled++
	}

	if isError && l.errorRate() >= 0.3 {
		l.quota.ThrottleFactor *= throttleGrowth
		if l.quota.ThrottleFactor > maxThrottle {
			l.quota.ThrottleFactor = maxThrottle
		}
	} else if !isError {
		l.quota.ThrottleFactor *= throttleDecay
		if l.quota.ThrottleFactor < 1.0 {
			l.quota.ThrottleFactor = 1.0
		}
	}
}

// Pace returns the minimum delay the dispatcher should honor before the
// next call to this provider. Zero when the throttle is at rest.
func (l *Limiter) Pace() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quota.ThrottleFactor <= 1.0 {
		return 0
	}
	return time.Duration((l.quota.ThrottleFactor - 1.0) * float64(basePaceInterval))
}

// Snapshot returns a copy of the current quota state.
func (l *Limiter) Snapshot() Quota {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	return l.quota
}

// Restore overlays persisted quota state, but only if it belongs to the
// current calendar day.
func (l *Limiter) Restore(q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !sameDay(q.LastReset, l.now()) {
		return
	}
	l.quota = q
	if l.quota.ThrottleFactor < 1.0 {
		l.quota.ThrottleFactor = 1.0
	}
}

// SetClock injects a clock for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) errorRate() float64 {
	if l.errFilled == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < l.errFilled; i++ {
		if l.errWindow[i] {
			errs++
		}
	}
	return float64(errs) / float64(l.errFilled)
}

func (l *Limiter) resetIfNewDay() {
	now := l.now()
	if sameDay(l.quota.LastReset, now) {
		return
	}
	l.quota.RequestsUsed = 0
	l.quota.TokensUsed = 0
	l.quota.CostUsed = 0
	l.quota.LastReset = now
	// Throttle survives the boundary; it measures provider health, not spend.
}

func (l *Limiter) requestsRemaining() int64 {
	if l.requests.Limit() == rate.Inf {
		return -1
	}
	return int64(l.requests.Tokens())
}

func (l *Limiter) costRemaining() float64 {
	if l.dailyBudget <= 0 {
		return -1
	}
	rem := l.dailyBudget - l.quota.CostUsed
	if rem < 0 {
		rem = 0
	}
	return rem
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Set is a name-keyed collection of limiters.
type Set struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewSet(configs []config.ProviderConfig) *Set {
	s := &Set{limiters: make(map[string]*Limiter, len(configs))}
	for _, cfg := range configs {
		s.limiters[cfg.Name] = New(cfg)
	}
	return s
}

// For returns the limiter for a provider, or nil if the provider is unknown.
func (s *Set) For(name string) *Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[name]
}

// Export captures every provider's quota state for persistence.
func (s *Set) Export() map[string]Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Quota, len(s.limiters))
	for name, l := range s.limiters {
		out[name] = l.Snapshot()
	}
	return out
}

// Restore overlays persisted quota state onto known providers.
func (s *Set) Restore(quotas map[string]Quota) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, q := range quotas {
		if l, ok := s.limiters[name]; ok {
			l.Restore(q)
		}
	}
}
