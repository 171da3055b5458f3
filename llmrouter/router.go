package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/model"
)

// RetryConfig controls retries of transient errors on the same model.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per model.
	MaxAttempts int
	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration
	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64
	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig makes a single attempt per model; fallback is the
// primary recovery mechanism.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// CallRecord describes one routed call for observability.
type CallRecord struct {
	ExecutionID      string         `json:"execution_id,omitempty"`
	Objective        core.Objective `json:"objective"`
	Model            string         `json:"model,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	Cost             float64        `json:"cost"`
	Latency          time.Duration  `json:"latency"`
	FallbacksUsed    []string       `json:"fallbacks_used,omitempty"`
	Error            string         `json:"error,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
}

// Options configure a Router.
type Options struct {
	QualityFloor float64
	Health       HealthConfig
	Retry        RetryConfig
	// MaxRecords bounds the in-memory call history.
	MaxRecords int
	Logger     logging.Logger
	Now        func() time.Time
	// OnCall observes every attempt against a single model.
	OnCall func(modelName string, latency time.Duration, err error)
}

// Router is the LLM call router.
type Router struct {
	mu        sync.RWMutex
	models    []ModelSpec
	providers map[string]model.Provider
	floor     float64

	health     *healthState
	retry      RetryConfig
	logger     logging.Logger
	now        func() time.Time
	onCall     func(string, time.Duration, error)
	maxRecords int

	recMu   sync.Mutex
	records []CallRecord
}

// New creates a router over catalog, resolving each model's provider by
// name in providers. Disabled models are ignored.
func New(catalog Catalog, providers map[string]model.Provider, optFns ...func(o *Options)) (*Router, error) {
	opts := Options{
		QualityFloor: catalog.QualityFloor,
		Health:       DefaultHealthConfig(),
		Retry:        DefaultRetryConfig(),
		MaxRecords:   256,
		Now:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		providers:  make(map[string]model.Provider, len(providers)),
		floor:      opts.QualityFloor,
		health:     newHealthState(opts.Health, opts.Now),
		retry:      opts.Retry,
		logger:     logging.OrNoOp(opts.Logger),
		now:        opts.Now,
		onCall:     opts.OnCall,
		maxRecords: opts.MaxRecords,
	}
	for name, p := range providers {
		r.providers[name] = p
	}
	for _, m := range catalog.Models {
		if m.Disabled {
			continue
		}
		if _, ok := r.providers[m.Provider]; !ok {
			return nil, fmt.Errorf("model %q: provider %q is not registered", m.Name, m.Provider)
		}
		r.models = append(r.models, m)
	}
	return r, nil
}

// Models returns the routable models.
func (r *Router) Models() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModelSpec(nil), r.models...)
}

// Candidates returns the fallback ordering for an objective, ignoring
// breaker state.
func (r *Router) Candidates(objective core.Objective, maxLatency time.Duration) []ModelSpec {
	r.mu.RLock()
	models := append([]ModelSpec(nil), r.models...)
	floor := r.floor
	r.mu.RUnlock()

	switch objective {
	case core.ObjectiveQuality:
		sortByQuality(models)
		if maxLatency <= 0 {
			return models
		}
		within := make([]ModelSpec, 0, len(models))
		var rest []ModelSpec
		for _, m := range models {
			if m.ExpectedLatency() <= maxLatency {
				within = append(within, m)
			} else {
				rest = append(rest, m)
			}
		}
		return append(within, rest...)
	default:
		eligible := models[:0]
		for _, m := range models {
			if m.Quality >= floor {
				eligible = append(eligible, m)
			}
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			a, b := eligible[i], eligible[j]
			if a.CostPer1K != b.CostPer1K {
				return a.CostPer1K < b.CostPer1K
			}
			if a.Quality != b.Quality {
				return a.Quality > b.Quality
			}
			return a.Name < b.Name
		})
		return eligible
	}
}

func sortByQuality(models []ModelSpec) {
	sort.SliceStable(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		if a.CostPer1K != b.CostPer1K {
			return a.CostPer1K < b.CostPer1K
		}
		return a.Name < b.Name
	})
}

// Route answers req with the first candidate that succeeds within the
// latency bound. The returned request has its resolved fields filled in.
func (r *Router) Route(ctx context.Context, req core.LLMRoutingRequest) (model.Completion, core.LLMRoutingRequest, error) {
	if req.Objective == "" {
		req.Objective = core.ObjectiveCost
	}
	started := r.now()
	candidates := r.Candidates(req.Objective, req.MaxLatency)

	var attempts []error
	for _, m := range candidates {
		if !r.health.available(m.Name) {
			r.logger.Debug("Model circuit open, skipping", "model", m.Name)
			attempts = append(attempts, fmt.Errorf("%s: circuit open", m.Name))
			continue
		}

		completion, latency, err := r.tryModel(ctx, m, req)
		req.Attempts = append(req.Attempts, m.Name)
		if err == nil {
			req.Model = m.Name
			req.Provider = m.Provider
			req.Latency = latency
			req.Cost = m.Cost(completion.Usage.TotalTokens)
			r.record(CallRecord{
				ExecutionID:      req.ExecutionID,
				Objective:        req.Objective,
				Model:            m.Name,
				Provider:         m.Provider,
				PromptTokens:     completion.Usage.PromptTokens,
				CompletionTokens: completion.Usage.CompletionTokens,
				Cost:             req.Cost,
				Latency:          latency,
				FallbacksUsed:    req.Attempts[:len(req.Attempts)-1],
				StartedAt:        started,
			})
			r.logger.Info("LLM call completed", "model", m.Name, "token_count", completion.Usage.TotalTokens, "duration", latency, "fallbacks", len(req.Attempts)-1)
			return completion, req, nil
		}

		attempts = append(attempts, fmt.Errorf("%s: %w", m.Name, err))
		r.logger.Warn("Model failed, trying fallback", "model", m.Name, "provider", m.Provider, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	routingErr := &core.ModelRoutingError{Objective: req.Objective, Attempts: attempts}
	r.record(CallRecord{
		ExecutionID:   req.ExecutionID,
		Objective:     req.Objective,
		FallbacksUsed: req.Attempts,
		Error:         routingErr.Error(),
		StartedAt:     started,
	})
	return model.Completion{}, req, routingErr
}

// tryModel calls one model with retries for transient errors. A call that
// runs past the latency bound is cancelled and counted as a failure.
func (r *Router) tryModel(ctx context.Context, m ModelSpec, req core.LLMRoutingRequest) (model.Completion, time.Duration, error) {
	provider := r.providers[m.Provider]
	maxAttempts := r.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if req.MaxLatency > 0 {
			callCtx, cancel = context.WithTimeout(ctx, req.MaxLatency)
		}
		start := time.Now()
		completion, err := provider.Complete(callCtx, model.PromptRequest(m.ProviderModel(), req.Prompt))
		latency := time.Since(start)
		cancel()

		if err == nil && req.MaxLatency > 0 && latency > req.MaxLatency {
			err = &LatencyError{Model: m.Name, Latency: latency, Bound: req.MaxLatency}
		} else if err != nil && req.MaxLatency > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &LatencyError{Model: m.Name, Latency: latency, Bound: req.MaxLatency}
		}
		if r.onCall != nil {
			r.onCall(m.Name, latency, err)
		}
		if err == nil {
			r.health.markSuccess(m.Name)
			return completion, latency, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == maxAttempts {
			break
		}
		backoff := r.backoff(attempt)
		r.logger.Debug("Model call failed, retrying", "model", m.Name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			r.health.markFailure(m.Name)
			return model.Completion{}, 0, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if !IsFatal(lastErr) {
		r.health.markFailure(m.Name)
	}
	return model.Completion{}, 0, lastErr
}

// backoff computes exponential backoff with +/- 25% jitter.
func (r *Router) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.retry.BackoffMultiplier
	}
	d := time.Duration(float64(r.retry.BackoffBase) * multiplier)
	if d > r.retry.MaxBackoff {
		d = r.retry.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

// Health returns the breaker state of a model.
func (r *Router) Health(name string) (EndpointHealth, bool) {
	return r.health.get(name)
}

// ResetHealth clears the breaker state of a model.
func (r *Router) ResetHealth(name string) {
	r.health.reset(name)
}

// Records returns the most recent call records, oldest first.
func (r *Router) Records() []CallRecord {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	return append([]CallRecord(nil), r.records...)
}

func (r *Router) record(rec CallRecord) {
	if r.maxRecords <= 0 {
		return
	}
	rec.FallbacksUsed = append([]string(nil), rec.FallbacksUsed...)
	r.recMu.Lock()
	defer r.recMu.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > r.maxRecords {
		r.records = append([]CallRecord(nil), r.records[len(r.records)-r.maxRecords:]...)
	}
}
