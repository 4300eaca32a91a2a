// Package registry holds per-provider capability facts: the static
// descriptor declared at init plus the learned estimates (latency EMA,
// availability score, recent outcomes) mutated only through Feedback.
package registry

import (
	"sync"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/provider"
)

const (
	// Asymmetric EMA: successes nudge the availability score up gently,
	// failures pull it down hard.
	successAlpha = 0.05
	failureAlpha = 0.25

	latencyAlpha = 0.2

	defaultRecentWindow = 10
)

// View is an immutable copy of one provider's current facts.
type View struct {
	Name              string
	Capabilities      provider.Capabilities
	AvgResponseTime   time.Duration
	AvailabilityScore float64
	RecentSuccessRate float64
	Completions       int64
}

// Snapshot is the persistable subset of learned state.
type Snapshot struct {
	Name              string
	AvgResponseTime   time.Duration
	AvailabilityScore float64
}

type entry struct {
	mu sync.Mutex

	caps         provider.Capabilities
	avgLatency   time.Duration
	availability float64
	completions  int64

	// Ring of the last N completed outcomes, true on success.
	recent []bool
	next   int
	filled int
}

// Registry is keyed by provider name. Reads are concurrent; every mutation
// goes through Feedback, which serializes per provider so racing
// completions never lose updates.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	window  int
}

func New(window int) *Registry {
	if window <= 0 {
		window = defaultRecentWindow
	}
	return &Registry{
		entries: make(map[string]*entry),
		window:  window,
	}
}

// Add seeds an entry with defaults. Availability starts optimistic at 1.0.
func (r *Registry) Add(name string, caps provider.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{
		caps:         caps,
		availability: 1.0,
		recent:       make([]bool, r.window),
	}
}

// Feedback applies one completed dispatch attempt. Calling it twice with
// the same outcome applies the update twice; it is a pure incremental
// update, never a set-once write.
func (r *Registry) Feedback(name string, success bool, latency time.Duration) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if success {
		e.availability += successAlpha * (1.0 - e.availability)
	} else {
		e.availability += failureAlpha * (0.0 - e.availability)
	}
	if e.availability < 0 {
		e.availability = 0
	}
	if e.availability > 1 {
		e.availability = 1
	}

	if latency > 0 {
		if e.avgLatency == 0 {
			e.avgLatency = latency
		} else {
			e.avgLatency = time.Duration(float64(e.avgLatency) + latencyAlpha*float64(latency-e.avgLatency))
		}
	}

	e.recent[e.next] = success
	e.next = (e.next + 1) % len(e.recent)
	if e.filled < len(e.recent) {
		e.filled++
	}
	e.completions++
}

// Get returns a copy of one provider's facts.
func (r *Registry) Get(name string) (View, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	return e.view(name), true
}

// List returns a copy of every provider's facts.
func (r *Registry) List() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.view(name))
	}
	return out
}

func (e *entry) view(name string) View {
	e.mu.Lock()
	defer e.mu.Unlock()

	rate := 1.0
	if e.filled > 0 {
		ok := 0
		for i := 0; i < e.filled; i++ {
			if e.recent[i] {
				ok++
			}
		}
		rate = float64(ok) / float64(e.filled)
	}

	return View{
		Name:              name,
		Capabilities:      e.caps,
		AvgResponseTime:   e.avgLatency,
		AvailabilityScore: e.availability,
		RecentSuccessRate: rate,
		Completions:       e.completions,
	}
}

// Export captures learned state for persistence across restarts.
func (r *Registry) Export() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.entries))
	for name, e := range r.entries {
		e.mu.Lock()
		out = append(out, Snapshot{
			Name:              name,
			AvgResponseTime:   e.avgLatency,
			AvailabilityScore: e.availability,
		})
		e.mu.Unlock()
	}
	return out
}

// Restore overlays persisted learned state onto existing entries. Unknown
// names are ignored; the static capability descriptor always comes from
// configuration, never from a snapshot.
func (r *Registry) Restore(snaps []Snapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range snaps {
		e, ok := r.entries[s.Name]
		if !ok {
			continue
		}
		e.mu.Lock()
		e.avgLatency = s.AvgResponseTime
		e.availability = s.AvailabilityScore
		e.mu.Unlock()
	}
}
