package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/cache"
	"github.com/nulzo/ai-orchestrator/internal/config"
	"github.com/nulzo/ai-orchestrator/internal/metrics"
	"github.com/nulzo/ai-orchestrator/internal/provider"
	"github.com/nulzo/ai-orchestrator/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockProvider implements provider.Provider for testing.
type MockProvider struct {
	mock.Mock
	name string
	caps provider.Capabilities
}

func (m *MockProvider) Name() string                        { return m.name }
func (m *MockProvider) Capabilities() provider.Capabilities { return m.caps }

func (m *MockProvider) Execute(ctx context.Context, req *api.Request) (*api.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Response), args.Error(1)
}

var idleHost = &metrics.Static{S: metrics.Snapshot{CPUPercent: 50, MemoryPercent: 50}}

// threeProviders mirrors a typical deployment: a free local model, a cheap
// primary cloud model with vision, and a pricier secondary fallback.
func threeProviders() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "cloud-primary", Enabled: true, Priority: 1, CostPerToken: 0.00002, SupportsVision: true},
		{Name: "cloud-secondary", Enabled: true, Priority: 2, CostPerToken: 0.00003},
		{Name: "local-llm", Enabled: true, Priority: 3, CostPerToken: 0, SupportsLocal: true},
	}
}

func newTestDispatcher(t *testing.T, providers []config.ProviderConfig, src metrics.Source) (*Dispatcher, map[string]*MockProvider) {
	t.Helper()

	cfg := &config.Config{
		Cache:     config.CacheConfig{TTL: time.Minute},
		Dispatch:  config.DispatchConfig{CallTimeout: 2 * time.Second, BatchConcurrency: 4},
		Router:    config.RouterConfig{CPUThresholdPercent: 70, MemoryThresholdPercent: 80},
		Breaker:   config.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, MaxOpenTimeout: 10 * time.Minute},
		Providers: providers,
	}

	d, err := New(zap.NewNop(), cfg, cache.NewMemory(64), src, nil, nil)
	require.NoError(t, err)

	mocks := make(map[string]*MockProvider, len(providers))
	for _, p := range providers {
		m := &MockProvider{
			name: p.Name,
			caps: provider.Capabilities{
				SupportsVision: p.SupportsVision,
				SupportsLocal:  p.SupportsLocal,
				CostPerToken:   p.CostPerToken,
			},
		}
		require.NoError(t, d.RegisterProvider(m))
		mocks[p.Name] = m
	}
	return d, mocks
}

func TestProcess_PrefersLocalModelWithHeadroom(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "done", Cost: 0}, nil).Once()

	resp, err := d.Process(context.Background(), api.NewRequest("turn on the kitchen lights"))
	require.NoError(t, err)
	assert.Equal(t, "local-llm", resp.Provider)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.RequestID)

	mocks["cloud-primary"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	mocks["cloud-secondary"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestProcess_LoadedHostRoutesToCloud(t *testing.T) {
	loaded := &metrics.Static{S: metrics.Snapshot{CPUPercent: 90, MemoryPercent: 85}}
	providers := threeProviders()
	// Pricing parity keeps the local bonus as the only thing separating
	// local-llm from the cloud models.
	providers[2].CostPerToken = 0.00003
	d, mocks := newTestDispatcher(t, providers, loaded)

	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "done", Cost: 0.0004}, nil).Once()

	resp, err := d.Process(context.Background(), api.NewRequest("turn on the kitchen lights"))
	require.NoError(t, err)
	assert.Equal(t, "cloud-primary", resp.Provider)

	mocks["local-llm"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestProcess_SecondIdenticalRequestIsServedFromCache(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "21 degrees", Cost: 0}, nil).Once()

	first, err := d.Process(context.Background(), api.NewRequest("what is the temperature"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Formatting differences share the fingerprint.
	second, err := d.Process(context.Background(), api.NewRequest("What is  the Temperature"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "21 degrees", second.Text)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	mocks["local-llm"].AssertNumberOfCalls(t, "Execute", 1)

	stats := d.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestProcess_RetryableFailureFallsThrough(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(nil, api.ProviderFailure("local-llm", true, errors.New("connection refused"))).Once()
	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "done", Cost: 0.0004}, nil).Once()

	resp, err := d.Process(context.Background(), api.NewRequest("dim the hallway"))
	require.NoError(t, err)
	assert.Equal(t, "cloud-primary", resp.Provider)

	mocks["local-llm"].AssertExpectations(t)
	mocks["cloud-primary"].AssertExpectations(t)
}

func TestProcess_NonRetryableFailureAborts(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(nil, api.ProviderFailure("local-llm", false, errors.New("prompt rejected"))).Once()

	_, err := d.Process(context.Background(), api.NewRequest("do the thing"))
	require.Error(t, err)
	assert.Equal(t, api.KindProvider, api.KindOf(err))
	assert.False(t, api.IsRetryable(err))

	mocks["cloud-primary"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	mocks["cloud-secondary"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestProcess_RepeatedFailuresOpenTheCircuit(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(nil, api.ProviderFailure("local-llm", true, errors.New("boom")))
	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "done", Cost: 0.0004}, nil)

	// Two failures reach the breaker threshold; unique prompts defeat the
	// cache so every request actually dispatches.
	for i := 0; i < 3; i++ {
		resp, err := d.Process(context.Background(), api.NewRequest(fmt.Sprintf("request number %d please", i)))
		require.NoError(t, err)
		assert.Equal(t, "cloud-primary", resp.Provider)
	}

	// The third request skipped local-llm entirely.
	mocks["local-llm"].AssertNumberOfCalls(t, "Execute", 2)
	mocks["cloud-primary"].AssertNumberOfCalls(t, "Execute", 3)

	for _, s := range d.ProviderStatus() {
		if s.Name == "local-llm" {
			assert.Equal(t, "open", s.CircuitState)
		}
	}
}

func TestProcess_CancelledPaceWaitReleasesHalfOpenTrial(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders()[2:], idleHost)

	lim := d.limits.For("local-llm")
	br := d.breakers.For("local-llm")

	now := time.Now()
	br.SetClock(func() time.Time { return now })

	// Sustained errors grow the throttle so the pace delay is in effect,
	// and trip the breaker open.
	for i := 0; i < 10; i++ {
		lim.Record(10, 10, 0, time.Millisecond, true)
	}
	br.Record(false)
	br.Record(false)
	require.True(t, br.IsOpen())
	require.Greater(t, lim.Pace(), time.Duration(0))

	// Past the open timeout the next caller claims the half-open trial,
	// then gives up during the pace wait.
	now = now.Add(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Process(ctx, api.NewRequest("is the heating on"))
	require.Error(t, err)
	mocks["local-llm"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	// The abandoned trial did not wedge the breaker: a later caller can
	// claim the half-open slot.
	assert.True(t, br.Allow())
}

func TestProcess_SecondaryServesWhenPrimaryAndLocalAreDown(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(nil, api.ProviderFailure("local-llm", true, errors.New("down"))).Once()
	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(nil, api.ProviderFailure("cloud-primary", true, errors.New("down"))).Once()
	mocks["cloud-secondary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "done", Cost: 0.0006}, nil).Once()

	resp, err := d.Process(context.Background(), api.NewRequest("is anyone in the living room"))
	require.NoError(t, err)
	assert.Equal(t, "cloud-secondary", resp.Provider)
}

func TestProcess_AllProvidersRateLimited(t *testing.T) {
	providers := threeProviders()
	for i := range providers {
		// A budget no request can fit under rejects every candidate at
		// admission, before any provider call.
		providers[i].CostPerToken = 1
		providers[i].DailyBudget = 0.0001
	}
	d, mocks := newTestDispatcher(t, providers, idleHost)

	_, err := d.Process(context.Background(), api.NewRequest("good evening"))
	require.Error(t, err)

	var ex *api.ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Rejections, 3)
	for _, r := range ex.Rejections {
		assert.Equal(t, "daily budget exhausted", r.Reason)
	}
	for _, m := range mocks {
		m.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	}
}

func TestProcess_AllProvidersExhausted(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	for _, m := range mocks {
		m.On("Execute", mock.Anything, mock.Anything).
			Return(nil, api.ProviderFailure(m.name, true, errors.New("unavailable")))
	}

	_, err := d.Process(context.Background(), api.NewRequest("anyone home"))
	require.Error(t, err)

	var ex *api.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Rejections, 3)
	assert.Equal(t, api.KindExhausted, api.KindOf(err))
}

func TestProcess_BudgetExhaustedProviderIsSkipped(t *testing.T) {
	providers := threeProviders()
	// A budget smaller than any single call excludes local-llm outright.
	providers[2].CostPerToken = 0.01
	providers[2].DailyBudget = 0.001
	d, mocks := newTestDispatcher(t, providers, idleHost)

	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "done", Cost: 0.0004}, nil).Once()

	resp, err := d.Process(context.Background(), api.NewRequest("good morning what is on my calendar"))
	require.NoError(t, err)
	assert.Equal(t, "cloud-primary", resp.Provider)

	mocks["local-llm"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestProcess_VisionRequestOnlyConsidersVisionProviders(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "a package at the door", Cost: 0.001}, nil).Once()

	req := api.NewRequest("who is at the front door")
	req.ImageRef = "camera/front-door/latest"

	resp, err := d.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cloud-primary", resp.Provider)

	mocks["local-llm"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	mocks["cloud-secondary"].AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestProcess_TimeoutIsRetryable(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders()[2:], idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(nil, context.DeadlineExceeded).Once()

	_, err := d.Process(context.Background(), api.NewRequest("slow question"))
	require.Error(t, err)

	var ex *api.ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Rejections, 1)
	assert.Contains(t, ex.Rejections[0].Reason, "deadline")
}

func TestProcess_EmptyPromptFailsValidation(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	_, err := d.Process(context.Background(), &api.Request{Prompt: "   "})
	require.Error(t, err)
	assert.Equal(t, api.KindValidation, api.KindOf(err))

	for _, m := range mocks {
		m.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	}
}

func TestProcess_ConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	release := make(chan struct{})
	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-release }).
		Return(&api.Response{Text: "shared answer", Cost: 0}, nil)

	const n = 5
	var wg sync.WaitGroup
	responses := make([]*api.Response, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = d.Process(context.Background(), api.NewRequest("same question"))
		}(i)
	}

	// Let every goroutine reach the in-flight call before it resolves.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared answer", responses[i].Text)
	}
	mocks["local-llm"].AssertNumberOfCalls(t, "Execute", 1)

	leaders := 0
	for _, r := range responses {
		if !r.Cached {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders, "exactly one caller paid for the upstream call")
}

func TestBatchProcess_PreservesOrderAndIsolatesFailures(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "ok", Cost: 0}, nil)

	reqs := []*api.Request{
		api.NewRequest("first question here"),
		{ID: "bad", Prompt: ""},
		api.NewRequest("third question here"),
	}

	results := d.BatchProcess(context.Background(), reqs)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, reqs[0].ID, results[0].Response.RequestID)

	require.Error(t, results[1].Err)
	assert.Equal(t, api.KindValidation, api.KindOf(results[1].Err))
	assert.Nil(t, results[1].Response)

	require.NoError(t, results[2].Err)
	assert.Equal(t, reqs[2].ID, results[2].Response.RequestID)
}

func TestBatchProcess_SiblingCapabilitiesDoNotLeak(t *testing.T) {
	d, mocks := newTestDispatcher(t, threeProviders(), idleHost)

	// Degrade the local model so the unconstrained sibling prefers cloud.
	for i := 0; i < 5; i++ {
		d.registry.Feedback("local-llm", false, 50*time.Millisecond)
	}

	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "from cloud", Cost: 0.0004}, nil)
	mocks["local-llm"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "from local", Cost: 0}, nil)

	constrained := api.NewRequest("please answer a different question")
	constrained.Capabilities = []string{"local"}

	results := d.BatchProcess(context.Background(), []*api.Request{
		api.NewRequest("hello there friend"),
		constrained,
	})
	require.Len(t, results, 2)

	// Both items share a complexity class, but each keeps its own
	// candidate set.
	require.NoError(t, results[0].Err)
	assert.Equal(t, "cloud-primary", results[0].Response.Provider)

	require.NoError(t, results[1].Err)
	assert.Equal(t, "local-llm", results[1].Response.Provider)
}

func TestBatchProcess_PromptRulesApplyPerItem(t *testing.T) {
	cfg := &config.Config{
		Cache:    config.CacheConfig{TTL: time.Minute},
		Dispatch: config.DispatchConfig{CallTimeout: 2 * time.Second, BatchConcurrency: 4},
		Router:   config.RouterConfig{CPUThresholdPercent: 70, MemoryThresholdPercent: 80},
		Breaker:  config.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, MaxOpenTimeout: 10 * time.Minute},
		Providers: []config.ProviderConfig{
			{Name: "cloud-primary", Enabled: true, Priority: 1, CostPerToken: 0.00002, SupportsVision: true},
			{Name: "cloud-secondary", Enabled: true, Priority: 2, CostPerToken: 0.00003},
		},
		Rules: []config.RoutingRule{
			{Name: "cameras-to-secondary", PromptContains: "camera", Target: "cloud-secondary", Enabled: true},
		},
	}
	d, err := New(zap.NewNop(), cfg, cache.NewMemory(64), idleHost, nil, nil)
	require.NoError(t, err)

	mocks := make(map[string]*MockProvider)
	for _, p := range cfg.Providers {
		m := &MockProvider{name: p.Name, caps: provider.Capabilities{CostPerToken: p.CostPerToken}}
		require.NoError(t, d.RegisterProvider(m))
		mocks[p.Name] = m
	}
	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "plain", Cost: 0.0004}, nil)
	mocks["cloud-secondary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "camera", Cost: 0.0006}, nil)

	results := d.BatchProcess(context.Background(), []*api.Request{
		api.NewRequest("hello there friend"),
		api.NewRequest("show the camera feed now"),
	})
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "cloud-primary", results[0].Response.Provider)

	require.NoError(t, results[1].Err)
	assert.Equal(t, "cloud-secondary", results[1].Response.Provider)
}

func TestBatchProcess_EmptyInput(t *testing.T) {
	d, _ := newTestDispatcher(t, threeProviders(), idleHost)
	assert.Empty(t, d.BatchProcess(context.Background(), nil))
}

func TestProviderStatus_ReportsQuotaAndCircuit(t *testing.T) {
	providers := threeProviders()
	providers[0].DailyBudget = 5.0
	d, mocks := newTestDispatcher(t, providers, idleHost)

	mocks["cloud-primary"].On("Execute", mock.Anything, mock.Anything).
		Return(&api.Response{Text: "a cat", Cost: 0.5}, nil).Once()

	req := api.NewRequest("what animal is this")
	req.ImageRef = "camera/garden"
	_, err := d.Process(context.Background(), req)
	require.NoError(t, err)

	statuses := d.ProviderStatus()
	require.Len(t, statuses, 3)

	byName := make(map[string]api.ProviderStatus, len(statuses))
	for _, s := range statuses {
		byName[s.Name] = s
	}

	primary := byName["cloud-primary"]
	assert.True(t, primary.Enabled)
	assert.Equal(t, "closed", primary.CircuitState)
	assert.Equal(t, int64(1), primary.RequestsUsed)
	assert.InDelta(t, 0.5, primary.CostUsedToday, 1e-9)
	assert.InDelta(t, 4.5, primary.BudgetRemaining, 1e-9)
	assert.Greater(t, primary.AvailabilityScore, 0.9)
}
