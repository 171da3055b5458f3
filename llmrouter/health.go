package llmrouter

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a model.
type EndpointHealth struct {
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long to wait before trying a failed model again.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the default breaker settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
	now      func() time.Time
}

func newHealthState(cfg HealthConfig, now func() time.Time) *healthState {
	return &healthState{config: cfg, statuses: make(map[string]*EndpointHealth), now: now}
}

func (h *healthState) markSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.getOrCreateLocked(name)
	status.LastSuccess = h.now()
	status.FailureCount = 0
	status.CircuitOpen = false
}

func (h *healthState) markFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.getOrCreateLocked(name)
	status.LastFailure = h.now()
	status.FailureCount++
	if h.config.FailureThreshold > 0 && status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = h.now()
	}
}

// available reports false while the circuit is open and the recovery
// timeout has not passed; afterwards one half-open attempt is allowed.
func (h *healthState) available(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	return h.now().Sub(status.CircuitOpenedAt) > h.config.RecoveryTimeout
}

func (h *healthState) get(name string) (EndpointHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status, ok := h.statuses[name]
	if !ok {
		return EndpointHealth{}, false
	}
	return *status, true
}

func (h *healthState) reset(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}

func (h *healthState) getOrCreateLocked(name string) *EndpointHealth {
	if status, ok := h.statuses[name]; ok {
		return status
	}
	status := &EndpointHealth{}
	h.statuses[name] = status
	return status
}
