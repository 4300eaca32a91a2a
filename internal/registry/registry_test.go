package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StartsOptimistic(t *testing.T) {
	r := New(10)
	r.Add("p", provider.Capabilities{CostPerToken: 0.01})

	v, ok := r.Get("p")
	require.True(t, ok)
	assert.Equal(t, 1.0, v.AvailabilityScore)
	assert.Equal(t, 1.0, v.RecentSuccessRate)
	assert.Equal(t, time.Duration(0), v.AvgResponseTime)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_FailuresPullAvailabilityDownHard(t *testing.T) {
	r := New(10)
	r.Add("p", provider.Capabilities{})

	r.Feedback("p", false, 100*time.Millisecond)
	v, _ := r.Get("p")
	assert.InDelta(t, 0.75, v.AvailabilityScore, 1e-9)

	// A single success barely recovers it.
	r.Feedback("p", true, 100*time.Millisecond)
	v, _ = r.Get("p")
	assert.InDelta(t, 0.75+0.05*0.25, v.AvailabilityScore, 1e-9)
}

func TestRegistry_FeedbackIsPureIncrement(t *testing.T) {
	r := New(10)
	r.Add("p", provider.Capabilities{})

	// The same outcome applied twice moves the estimate twice; feedback is
	// an accumulation, not a set-once write.
	r.Feedback("p", false, 0)
	once, _ := r.Get("p")
	r.Feedback("p", false, 0)
	twice, _ := r.Get("p")

	assert.InDelta(t, 0.75, once.AvailabilityScore, 1e-9)
	assert.InDelta(t, 0.5625, twice.AvailabilityScore, 1e-9)
	assert.Equal(t, int64(2), twice.Completions)
}

func TestRegistry_LatencyEMA(t *testing.T) {
	r := New(10)
	r.Add("p", provider.Capabilities{})

	// First sample seeds the average directly.
	r.Feedback("p", true, 100*time.Millisecond)
	v, _ := r.Get("p")
	assert.Equal(t, 100*time.Millisecond, v.AvgResponseTime)

	r.Feedback("p", true, 200*time.Millisecond)
	v, _ = r.Get("p")
	assert.Equal(t, 120*time.Millisecond, v.AvgResponseTime)

	// Zero latency (cache hits, short-circuits) leaves the average alone.
	r.Feedback("p", true, 0)
	v, _ = r.Get("p")
	assert.Equal(t, 120*time.Millisecond, v.AvgResponseTime)
}

func TestRegistry_RecentWindowBoundsSuccessRate(t *testing.T) {
	r := New(4)
	r.Add("p", provider.Capabilities{})

	for i := 0; i < 4; i++ {
		r.Feedback("p", false, time.Millisecond)
	}
	v, _ := r.Get("p")
	assert.Equal(t, 0.0, v.RecentSuccessRate)

	// Four successes push all failures out of the window.
	for i := 0; i < 4; i++ {
		r.Feedback("p", true, time.Millisecond)
	}
	v, _ = r.Get("p")
	assert.Equal(t, 1.0, v.RecentSuccessRate)

	r.Feedback("p", false, time.Millisecond)
	v, _ = r.Get("p")
	assert.Equal(t, 0.75, v.RecentSuccessRate)
}

func TestRegistry_ConcurrentFeedbackNeverLosesCompletions(t *testing.T) {
	r := New(10)
	r.Add("p", provider.Capabilities{})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Feedback("p", i%2 == 0, time.Millisecond)
		}(i)
	}
	wg.Wait()

	v, _ := r.Get("p")
	assert.Equal(t, int64(100), v.Completions)
}

func TestRegistry_ExportRestore(t *testing.T) {
	r := New(10)
	r.Add("a", provider.Capabilities{SupportsVision: true})
	r.Feedback("a", false, 80*time.Millisecond)

	snaps := r.Export()
	require.Len(t, snaps, 1)

	fresh := New(10)
	fresh.Add("a", provider.Capabilities{SupportsVision: true})
	fresh.Add("b", provider.Capabilities{})
	fresh.Restore(snaps)

	v, _ := fresh.Get("a")
	assert.InDelta(t, 0.75, v.AvailabilityScore, 1e-9)
	assert.Equal(t, 80*time.Millisecond, v.AvgResponseTime)
	// The static descriptor always comes from configuration.
	assert.True(t, v.Capabilities.SupportsVision)

	// Unknown snapshot names are ignored.
	fresh.Restore([]Snapshot{{Name: "ghost", AvailabilityScore: 0.1}})
	_, ok := fresh.Get("ghost")
	assert.False(t, ok)
}
