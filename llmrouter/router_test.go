package llmrouter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/model"
)

func testCatalog() Catalog {
	return Catalog{
		QualityFloor: 0.5,
		Models: []ModelSpec{
			{Name: "tiny", Provider: "mock", CostPer1K: 0.05, Quality: 0.3, LatencyMS: 50},
			{Name: "cheap", Provider: "mock", CostPer1K: 0.1, Quality: 0.6, LatencyMS: 200},
			{Name: "mid", Provider: "mock", CostPer1K: 0.5, Quality: 0.8, LatencyMS: 400},
			{Name: "best", Provider: "mock", CostPer1K: 2.0, Quality: 0.95, LatencyMS: 3000},
		},
	}
}

func newTestRouter(t *testing.T, optFns ...func(o *Options)) (*Router, *model.MockProvider) {
	t.Helper()
	mock := model.NewMockProvider("mock")
	r, err := New(testCatalog(), map[string]model.Provider{"mock": mock}, optFns...)
	require.NoError(t, err)
	return r, mock
}

func names(models []ModelSpec) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Name
	}
	return out
}

func TestCandidates(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name       string
		objective  core.Objective
		maxLatency time.Duration
		want       []string
	}{
		{"cost respects quality floor", core.ObjectiveCost, 0, []string{"cheap", "mid", "best"}},
		{"quality without bound", core.ObjectiveQuality, 0, []string{"best", "mid", "cheap", "tiny"}},
		{"quality within bound first", core.ObjectiveQuality, 500 * time.Millisecond, []string{"mid", "cheap", "tiny", "best"}},
		{"quality with no model within bound", core.ObjectiveQuality, time.Millisecond, []string{"best", "mid", "cheap", "tiny"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, names(r.Candidates(tt.objective, tt.maxLatency)))
		})
	}
}

func TestCandidates_CostTieBreak(t *testing.T) {
	mock := model.NewMockProvider("mock")
	r, err := New(Catalog{Models: []ModelSpec{
		{Name: "b", Provider: "mock", CostPer1K: 1, Quality: 0.5},
		{Name: "a", Provider: "mock", CostPer1K: 1, Quality: 0.5},
		{Name: "c", Provider: "mock", CostPer1K: 1, Quality: 0.9},
	}}, map[string]model.Provider{"mock": mock})
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b"}, names(r.Candidates(core.ObjectiveCost, 0)))
}

func TestRoute_CostPicksCheapest(t *testing.T) {
	r, mock := newTestRouter(t)
	mock.AddResponse("summarize", "short summary")

	completion, req, err := r.Route(context.Background(), core.LLMRoutingRequest{
		ExecutionID: "exec-1",
		Prompt:      "summarize",
		Objective:   core.ObjectiveCost,
	})
	require.NoError(t, err)

	assert.Equal(t, "short summary", completion.Text)
	assert.Equal(t, "cheap", req.Model)
	assert.Equal(t, "mock", req.Provider)
	assert.Equal(t, []string{"cheap"}, req.Attempts)
	assert.InDelta(t, 0.1*float64(completion.Usage.TotalTokens)/1000, req.Cost, 1e-9)
}

func TestRoute_FallsBackWhenCheapestFails(t *testing.T) {
	r, mock := newTestRouter(t)
	mock.FailModel("cheap", errors.New("503 service unavailable"))

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi", Objective: core.ObjectiveCost})
	require.NoError(t, err)

	assert.Equal(t, "mid", req.Model)
	assert.Equal(t, []string{"cheap", "mid"}, req.Attempts)

	records := r.Records()
	require.Len(t, records, 1)
	assert.Equal(t, []string{"cheap"}, records[0].FallbacksUsed)
	assert.Equal(t, "mid", records[0].Model)
}

func TestRoute_AllFail(t *testing.T) {
	r, mock := newTestRouter(t)
	for _, name := range []string{"cheap", "mid", "best"} {
		mock.FailModel(name, errors.New("down"))
	}

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi", Objective: core.ObjectiveCost})
	require.Error(t, err)

	var routingErr *core.ModelRoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, core.ObjectiveCost, routingErr.Objective)
	assert.Len(t, routingErr.Attempts, 3)
	assert.Empty(t, req.Model)

	records := r.Records()
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].Error)
}

func TestRoute_QualityLatencyBound(t *testing.T) {
	r, mock := newTestRouter(t)
	mock.SetLatency("mid", 200*time.Millisecond)

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{
		Prompt:     "hi",
		Objective:  core.ObjectiveQuality,
		MaxLatency: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "mid", req.Model)
	assert.Less(t, req.Latency, 500*time.Millisecond)
}

func TestRoute_LatencyExceededFallsBack(t *testing.T) {
	r, mock := newTestRouter(t)
	mock.SetLatency("mid", 2*time.Second)

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{
		Prompt:     "hi",
		Objective:  core.ObjectiveQuality,
		MaxLatency: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "cheap", req.Model)
	assert.Equal(t, []string{"mid", "cheap"}, req.Attempts)
}

func TestRoute_TimeoutCountsAsLatencyFailure(t *testing.T) {
	var mu sync.Mutex
	var failures []error
	r, mock := newTestRouter(t, func(o *Options) {
		o.OnCall = func(_ string, _ time.Duration, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			}
		}
	})
	mock.SetLatency("best", time.Second)

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{
		Prompt:     "hi",
		Objective:  core.ObjectiveQuality,
		MaxLatency: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	// Nothing fits the bound, so the quality order is tried unconditionally.
	assert.Equal(t, "mid", req.Model)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	var latencyErr *LatencyError
	assert.ErrorAs(t, failures[0], &latencyErr)
}

func TestRoute_CircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, mock := newTestRouter(t, func(o *Options) {
		o.Now = func() time.Time { return now }
		o.Health = HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute}
	})
	mock.FailModel("cheap", errors.New("down"))

	for i := 0; i < 2; i++ {
		_, _, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi"})
		require.NoError(t, err)
	}
	h, ok := r.Health("cheap")
	require.True(t, ok)
	assert.True(t, h.CircuitOpen)

	mock.FailModel("cheap", nil)
	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mid", req.Model, "open circuit skips the model")

	now = now.Add(2 * time.Minute)
	_, req, err = r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "cheap", req.Model, "half-open circuit allows a retry")

	h, _ = r.Health("cheap")
	assert.False(t, h.CircuitOpen)
}

func TestRoute_RetriesTransientErrors(t *testing.T) {
	r, mock := newTestRouter(t, func(o *Options) {
		o.Retry = RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}
	})
	mock.FailModel("cheap", NewTransientError(errors.New("rate limited")))

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mid", req.Model)

	var cheapCalls int
	for _, c := range mock.Calls() {
		if c.Model == "cheap" {
			cheapCalls++
		}
	}
	assert.Equal(t, 3, cheapCalls)
}

func TestRoute_DefaultsToCost(t *testing.T) {
	r, _ := newTestRouter(t)

	_, req, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, core.ObjectiveCost, req.Objective)
	assert.Equal(t, "cheap", req.Model)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(testCatalog(), map[string]model.Provider{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestNew_SkipsDisabled(t *testing.T) {
	c := testCatalog()
	c.Models[1].Disabled = true
	r, err := New(c, map[string]model.Provider{"mock": model.NewMockProvider("mock")})
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "best"}, names(r.Candidates(core.ObjectiveCost, 0)))
}

func TestRecordsBounded(t *testing.T) {
	r, _ := newTestRouter(t, func(o *Options) { o.MaxRecords = 2 })
	for i := 0; i < 5; i++ {
		_, _, err := r.Route(context.Background(), core.LLMRoutingRequest{Prompt: "hi"})
		require.NoError(t, err)
	}
	assert.Len(t, r.Records(), 2)
}
