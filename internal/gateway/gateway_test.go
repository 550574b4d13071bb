package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/bandit"
	"github.com/tributary-ai/support-gateway/internal/breaker"
	"github.com/tributary-ai/support-gateway/internal/cache"
	"github.com/tributary-ai/support-gateway/internal/compliance"
	"github.com/tributary-ai/support-gateway/internal/direct"
	"github.com/tributary-ai/support-gateway/internal/flags"
	"github.com/tributary-ai/support-gateway/internal/hybrid"
	"github.com/tributary-ai/support-gateway/internal/managed"
	"github.com/tributary-ai/support-gateway/internal/monitor"
	"github.com/tributary-ai/support-gateway/internal/paths"
	"github.com/tributary-ai/support-gateway/internal/policy"
	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/providers/fake"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/types"
)

var toolSpec = types.ModelSpec{
	Provider: "openai",
	ModelID:  "gpt-4o-mini",
	Capabilities: types.Capabilities{
		ContextWindow:   128000,
		SupportsTools:   true,
		DefaultLatency:  500 * time.Millisecond,
		CostPer1KInput:  0.15,
		CostPer1KOutput: 0.6,
	},
}

type envOptions struct {
	specs      []types.ModelSpec
	direct     direct.Config
	managed    managed.Config
	gateway    Config
	compliance compliance.Checker
	cache      cache.Cache
}

type testEnv struct {
	gw             *Gateway
	directAdapter  *fake.Adapter
	managedAdapter *fake.Adapter
	direct         *direct.Client
	managed        *managed.Client
	audit          *audit.Memory
	bandit         *bandit.Bandit
	monitor        *monitor.Monitor
	flags          *flags.Static
}

// steppingClock advances by step on every read so latencies are never zero
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func createTestGateway(t *testing.T, mutate ...func(*envOptions)) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	opts := &envOptions{
		specs:   []types.ModelSpec{toolSpec},
		direct:  direct.DefaultConfig(),
		managed: managed.DefaultConfig(),
		gateway: DefaultConfig(),
		cache:   cache.NewLRU(0, 0),
	}
	opts.managed.Retry.BaseDelay = time.Millisecond
	for _, m := range mutate {
		m(opts)
	}

	env := &testEnv{
		directAdapter:  fake.New("openai"),
		managedAdapter: fake.New("openai"),
		audit:          audit.NewMemory(1000),
		flags:          flags.NewStatic(map[string]bool{flags.IntelligentRouting: true, flags.DirectFallback: true}),
	}

	reg := registry.New(logger, opts.specs...)
	env.bandit = bandit.New(nil, bandit.WithSeed(7), bandit.WithLogger(logger))
	env.monitor = monitor.New(monitor.DefaultConfig(), nil, logger)

	var err error
	env.direct, err = direct.New(opts.direct, paths.Deps{
		Adapters: providers.NewSet(env.directAdapter), Registry: reg, Audit: env.audit, Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.direct.Destroy() })

	env.managed, err = managed.New(opts.managed, paths.Deps{
		Adapters: providers.NewSet(env.managedAdapter), Registry: reg, Audit: env.audit, Logger: logger,
	})
	require.NoError(t, err)

	router := hybrid.NewRouter(env.direct, env.managed, env.flags, env.audit, nil, logger)
	engine := policy.NewEngine(reg, env.bandit, nil, policy.Config{}, logger)

	checker := opts.compliance
	if checker == nil {
		checker, err = compliance.NewPIIChecker(&compliance.Config{}, logger)
		require.NoError(t, err)
	}

	env.gw, err = New(opts.gateway, Deps{
		Registry:   reg,
		Policy:     engine,
		Bandit:     env.bandit,
		Router:     router,
		Monitor:    env.monitor,
		Cache:      opts.cache,
		Compliance: checker,
		Audit:      env.audit,
		Logger:     logger,
	})
	require.NoError(t, err)

	clock := &steppingClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), step: 2 * time.Millisecond}
	env.gw.now = clock.Now
	return env
}

func request(class types.OperationClass, prompt string) *types.SupportOperationRequest {
	return &types.SupportOperationRequest{Operation: class, Prompt: prompt}
}

func TestGateway_Execute_Success(t *testing.T) {
	env := createTestGateway(t)
	env.managedAdapter.Script(fake.Step{
		Text:  "Your refund was issued.",
		Usage: types.Usage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500},
	})

	resp := env.gw.Execute(context.Background(), request(types.OperationStandard, "where is my refund"))
	require.True(t, resp.Success, resp.Error)

	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "Your refund was issued.", resp.Text)
	assert.Equal(t, types.PathManaged, resp.Path)
	assert.Equal(t, "openai", resp.Provider)
	assert.InDelta(t, 0.15+0.3, resp.CostEuro, 1e-9)
	assert.Greater(t, resp.LatencyMs, int64(0))
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 0, env.directAdapter.Calls())

	arm := bandit.Arm{Provider: "openai", Model: "gpt-4o-mini"}
	assert.Greater(t, env.bandit.Mean(arm, bandit.Context{}), 0.5, "bandit learned from the success")
	assert.Equal(t, 0, env.monitor.GetPerformanceStatus().InFlight)
	assert.Equal(t, 1, env.monitor.GetPerformanceStatus().Classes[types.OperationStandard].Samples)
	assert.Len(t, env.audit.OfType(audit.RoutingDecision), 1)
}

func TestGateway_Execute_EmergencyGoesDirectWhileManagedBreakerOpen(t *testing.T) {
	env := createTestGateway(t)
	env.managed.Breaker().RecordFailure()
	for env.managed.Status().BreakerState != types.BreakerOpen {
		env.managed.Breaker().RecordFailure()
	}

	resp := env.gw.Execute(context.Background(), request(types.OperationEmergency, "site is down for all customers"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.PathDirect, resp.Path)
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, 1, env.directAdapter.Calls())
	assert.Zero(t, env.managedAdapter.Calls())

	// a standard request is moved to direct before dispatch
	resp = env.gw.Execute(context.Background(), request(types.OperationStandard, "update my address"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.PathDirect, resp.Path)
	assert.True(t, resp.FallbackUsed)
	assert.Zero(t, env.managedAdapter.Calls())
}

func TestGateway_Execute_DirectTimeoutFallsBackToManaged(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.direct.EmergencyTimeout = 20 * time.Millisecond
	})
	env.directAdapter.Script(fake.Step{Latency: time.Second})
	env.managedAdapter.Script(fake.Step{Text: "handled by broker"})

	resp := env.gw.Execute(context.Background(), request(types.OperationEmergency, "payment outage"))
	require.True(t, resp.Success, resp.Error)
	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, types.PathManaged, resp.Path)
	assert.Equal(t, "handled by broker", resp.Text)
	assert.Len(t, env.audit.OfType(audit.PathFallback), 1)
}

func TestGateway_Execute_PreferredPathRecoversAfterCooldown(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.direct.Breaker = breaker.Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}
	})
	env.directAdapter.Script(fake.Step{Err: types.ErrProviderError}, fake.Step{Text: "direct is back"})

	resp := env.gw.Execute(context.Background(), request(types.OperationEmergency, "checkout is failing"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.PathManaged, resp.Path)
	assert.True(t, resp.FallbackUsed)
	require.Equal(t, types.BreakerOpen, env.direct.Status().BreakerState)

	resp = env.gw.Execute(context.Background(), request(types.OperationEmergency, "checkout is failing"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.PathManaged, resp.Path, "open breaker is skipped before dispatch")
	assert.Equal(t, 1, env.directAdapter.Calls())

	time.Sleep(60 * time.Millisecond)

	resp = env.gw.Execute(context.Background(), request(types.OperationEmergency, "checkout is failing"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.PathDirect, resp.Path, "one trial goes to the preferred path")
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, "direct is back", resp.Text)
	assert.Equal(t, 2, env.directAdapter.Calls())
	assert.Equal(t, types.BreakerClosed, env.direct.Status().BreakerState)

	resp = env.gw.Execute(context.Background(), request(types.OperationEmergency, "checkout is failing"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, types.PathDirect, resp.Path)
}

func TestGateway_Execute_BothPathsFail(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.managed.MaxRetries = 0
	})
	env.directAdapter.Script(fake.Step{Err: types.ErrProviderError})
	env.managedAdapter.Script(fake.Step{Err: errors.New("broker 503")})

	resp := env.gw.Execute(context.Background(), request(types.OperationCritical, "refund failed"))
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindProviderError, resp.ErrorKind)
	assert.True(t, resp.FallbackUsed)
	assert.NotEmpty(t, resp.Error)
	assert.Greater(t, resp.LatencyMs, int64(0))
	assert.NotNil(t, resp.ToolCalls)

	arm := bandit.Arm{Provider: "openai", Model: "gpt-4o-mini"}
	assert.Less(t, env.bandit.Mean(arm, bandit.Context{}), 0.5)
}

func TestGateway_Execute_NoToolCapableModel(t *testing.T) {
	noTools := toolSpec
	noTools.Capabilities.SupportsTools = false
	env := createTestGateway(t, func(o *envOptions) {
		o.specs = []types.ModelSpec{noTools}
	})

	req := request(types.OperationStandard, "look up order 42")
	req.Tools = []types.ToolSpec{{Name: "lookup_order"}}

	resp := env.gw.Execute(context.Background(), req)
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindNoEligibleModel, resp.ErrorKind)
	assert.Greater(t, resp.LatencyMs, int64(0))
	assert.Zero(t, env.directAdapter.Calls()+env.managedAdapter.Calls())
	assert.Equal(t, 0, env.monitor.GetPerformanceStatus().InFlight)
}

func TestGateway_Execute_CachedPromptCostsNothing(t *testing.T) {
	env := createTestGateway(t)
	prompt := "summarise the returns policy"

	first := env.gw.Execute(context.Background(), request(types.OperationBackground, prompt))
	require.True(t, first.Success, first.Error)
	assert.False(t, first.CacheHit)
	assert.Greater(t, first.CostEuro, 0.0)

	second := env.gw.Execute(context.Background(), request(types.OperationBackground, prompt))
	require.True(t, second.Success)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.CostEuro)
	assert.Equal(t, first.Text, second.Text)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, env.managedAdapter.Calls(), "adapter not invoked on a hit")

	assert.Equal(t, 1, env.monitor.GetPerformanceStatus().Classes[types.OperationBackground].CachedSamples)
}

func TestGateway_Execute_RetrievalMetadataMakesStandardCacheable(t *testing.T) {
	env := createTestGateway(t)

	req := request(types.OperationStandard, "what are your opening hours")
	req.Metadata = map[string]string{"retrieval": "true"}
	env.gw.Execute(context.Background(), req)
	resp := env.gw.Execute(context.Background(), req)
	assert.True(t, resp.CacheHit)

	uncached := request(types.OperationStandard, "what are your opening hours")
	env.gw.Execute(context.Background(), uncached)
	resp = env.gw.Execute(context.Background(), uncached)
	assert.False(t, resp.CacheHit)

	critical := request(types.OperationCritical, "what are your opening hours")
	critical.Metadata = map[string]string{"retrieval": "true"}
	env.gw.Execute(context.Background(), critical)
	resp = env.gw.Execute(context.Background(), critical)
	assert.False(t, resp.CacheHit, "time-critical classes bypass the cache")
}

func TestGateway_Execute_ConcurrentMissesCollapse(t *testing.T) {
	env := createTestGateway(t)
	env.managedAdapter.Script(fake.Step{Latency: 100 * time.Millisecond, Text: "shared"})

	var wg sync.WaitGroup
	responses := make([]*types.SupportOperationResponse, 8)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = env.gw.Execute(context.Background(), request(types.OperationBackground, "same question"))
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for _, resp := range responses {
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, "shared", resp.Text)
		ids[resp.RequestID] = true
	}
	assert.Len(t, ids, len(responses), "every caller keeps its own request id")
	assert.Equal(t, 1, env.managedAdapter.Calls())
}

func TestGateway_Execute_LeaderCancelDoesNotFailFollowers(t *testing.T) {
	env := createTestGateway(t)
	env.managedAdapter.Script(fake.Step{Latency: 150 * time.Millisecond, Text: "shared"})

	leaderCtx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)

	var leader *types.SupportOperationResponse
	done := make(chan struct{})
	go func() {
		defer close(done)
		leader = env.gw.Execute(leaderCtx, request(types.OperationBackground, "same question"))
	}()
	time.Sleep(10 * time.Millisecond)

	follower := env.gw.Execute(context.Background(), request(types.OperationBackground, "same question"))
	<-done

	assert.False(t, leader.Success, "the caller that gave up gets a failure")
	require.True(t, follower.Success, follower.Error)
	assert.Equal(t, "shared", follower.Text)
	assert.True(t, follower.CacheHit)
	assert.Equal(t, 1, env.managedAdapter.Calls())

	cached := env.gw.Execute(context.Background(), request(types.OperationBackground, "same question"))
	assert.True(t, cached.CacheHit, "shared result is cached after the first caller left")
	assert.Equal(t, 1, env.managedAdapter.Calls())
}

func TestGateway_Execute_SharedFailureIsNotACacheHit(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.managed.MaxRetries = 0
	})
	env.flags.Set(flags.DirectFallback, false)
	env.managedAdapter.Script(fake.Step{Latency: 100 * time.Millisecond, Err: types.ErrProviderError})

	var wg sync.WaitGroup
	responses := make([]*types.SupportOperationResponse, 4)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = env.gw.Execute(context.Background(), request(types.OperationBackground, "same question"))
		}(i)
	}
	wg.Wait()

	for _, resp := range responses {
		assert.False(t, resp.Success)
		assert.False(t, resp.CacheHit)
		assert.Equal(t, types.KindProviderError, resp.ErrorKind)
	}
	assert.Equal(t, 1, env.managedAdapter.Calls())
	assert.Zero(t, env.monitor.GetPerformanceStatus().Classes[types.OperationBackground].CachedSamples)
}

func TestGateway_Execute_ManagedEmergencyBoundedByClassBudget(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.gateway.Budgets.Emergency = 50 * time.Millisecond
	})
	env.flags.Set(flags.IntelligentRouting, false)
	env.flags.Set(flags.DirectFallback, false)
	env.managedAdapter.Script(fake.Step{Latency: 10 * time.Second, Text: "too late"})

	start := time.Now()
	resp := env.gw.Execute(context.Background(), request(types.OperationEmergency, "all payments failing"))
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, resp.Success)
	assert.Equal(t, types.KindTimeout, resp.ErrorKind)
	assert.Equal(t, types.PathManaged, resp.Path)
	assert.Equal(t, 1, env.managedAdapter.Calls(), "a timed out attempt is not retried")
	assert.Equal(t, 5*time.Second, DefaultConfig().Budgets.For(types.OperationEmergency))
}

func TestGateway_Execute_ComplianceViolation(t *testing.T) {
	env := createTestGateway(t)

	resp := env.gw.Execute(context.Background(), request(types.OperationStandard, "my card is 4111 1111 1111 1111"))
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindComplianceViolation, resp.ErrorKind)
	assert.Zero(t, env.managedAdapter.Calls()+env.directAdapter.Calls())

	violations := env.audit.OfType(audit.ComplianceViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "credit_card", violations[0].Details["rules"])
	assert.Equal(t, resp.RequestID, violations[0].RequestID)
}

func TestGateway_Execute_ComplianceDisabled(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.gateway.EnableComplianceChecks = false
	})

	resp := env.gw.Execute(context.Background(), request(types.OperationStandard, "email me at a@b.co"))
	assert.True(t, resp.Success, resp.Error)
}

type panickingChecker struct{}

func (panickingChecker) Check(context.Context, *types.SupportOperationRequest) (compliance.Verdict, error) {
	panic("checker bug")
}

func TestGateway_Execute_RecoversPanics(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.compliance = panickingChecker{}
	})

	var resp *types.SupportOperationResponse
	require.NotPanics(t, func() {
		resp = env.gw.Execute(context.Background(), request(types.OperationStandard, "hello"))
	})
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindInternal, resp.ErrorKind)
	assert.Contains(t, resp.Error, "checker bug")
	assert.Equal(t, 0, env.monitor.GetPerformanceStatus().InFlight)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (*types.SupportOperationResponse, bool, error) {
	return nil, false, errors.New("redis down")
}

func (brokenCache) Set(context.Context, string, *types.SupportOperationResponse) error {
	return errors.New("redis down")
}

func TestGateway_Execute_CacheFailureIsAMiss(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.cache = brokenCache{}
	})

	resp := env.gw.Execute(context.Background(), request(types.OperationBackground, "nightly digest"))
	assert.True(t, resp.Success, resp.Error)
	assert.False(t, resp.CacheHit)
}

func TestGateway_Execute_NilRequest(t *testing.T) {
	env := createTestGateway(t)

	resp := env.gw.Execute(context.Background(), nil)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindInvalidRequest, resp.ErrorKind)
	assert.NotEmpty(t, resp.RequestID)
}

func TestGateway_Execute_DoesNotMutateCallerRequest(t *testing.T) {
	env := createTestGateway(t)
	req := request("", "hi\x00there")

	resp := env.gw.Execute(context.Background(), req)
	require.True(t, resp.Success, resp.Error)
	assert.Empty(t, req.ID)
	assert.Equal(t, types.OperationClass(""), req.Operation)
	assert.Equal(t, "hithere", env.managedAdapter.LastRequest().Prompt)
}

func TestGateway_RouteOnly(t *testing.T) {
	env := createTestGateway(t)

	preview, err := env.gw.RouteOnly(context.Background(), request(types.OperationCritical, "automate the refund workflow"))
	require.NoError(t, err)
	assert.Equal(t, types.PathDirect, preview.Plan.Selected)
	assert.Equal(t, types.PathDirect, preview.Decision.Path)
	assert.Equal(t, "openai", preview.Decision.Provider)
	assert.Equal(t, policy.TaskSystem, preview.TaskType)
	assert.Equal(t, []string{"anthropic", "openai"}, preview.Override)
	assert.False(t, preview.Cacheable)
	assert.Zero(t, env.directAdapter.Calls()+env.managedAdapter.Calls())

	_, err = env.gw.RouteOnly(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestGateway_Status(t *testing.T) {
	env := createTestGateway(t)
	env.gw.Execute(context.Background(), request(types.OperationStandard, "hello"))

	status := env.gw.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.Models)
	assert.Contains(t, status.Paths, types.PathDirect)
	assert.Contains(t, status.Paths, types.PathManaged)
	require.Len(t, status.BestArms, 1)
	assert.Equal(t, "general|standard", status.BestArms[0].Context)
	assert.Equal(t, "gpt-4o-mini", status.BestArms[0].Model)
}

func TestGateway_Status_UnhealthyWhenBothBreakersOpen(t *testing.T) {
	env := createTestGateway(t, func(o *envOptions) {
		o.direct.Breaker = breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}
		o.managed.Breaker = breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}
	})
	env.direct.Breaker().RecordFailure()
	env.managed.Breaker().RecordFailure()

	assert.False(t, env.gw.Status().Healthy)

	resp := env.gw.Execute(context.Background(), request(types.OperationEmergency, "outage"))
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindCircuitOpen, resp.ErrorKind)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestCost(t *testing.T) {
	cost := Cost(toolSpec, types.Usage{InputTokens: 2000, OutputTokens: 1000})
	assert.InDelta(t, 0.3+0.6, cost, 1e-9)
	assert.Zero(t, Cost(toolSpec, types.Usage{}))
}
