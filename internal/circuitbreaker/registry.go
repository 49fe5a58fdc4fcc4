package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// Payment providers get a strict threshold and a long cool-down: a flapping
// provider should be quarantined quickly and given time to recover before it
// is retried with real customer money. Notification providers are lower
// stakes, so they tolerate more failures and retry sooner.
var defaultConfigs = map[string]Config{
	"mpesa":   {FailureThreshold: 3, Timeout: 30 * time.Second, ResetTimeout: 120 * time.Second},
	"pesapal": {FailureThreshold: 3, Timeout: 30 * time.Second, ResetTimeout: 120 * time.Second},
	"kcb":     {FailureThreshold: 3, Timeout: 30 * time.Second, ResetTimeout: 120 * time.Second},
	"email":   {FailureThreshold: 5, Timeout: 15 * time.Second, ResetTimeout: 60 * time.Second},
	"sms":     {FailureThreshold: 5, Timeout: 10 * time.Second, ResetTimeout: 60 * time.Second},
}

var fallbackConfig = Config{FailureThreshold: 5, Timeout: 30 * time.Second, ResetTimeout: 60 * time.Second}

// Registry holds one shared breaker per named external service so failure
// state accumulates correctly across every call site touching the same
// provider. Constructed explicitly and injected; there is no package-level
// instance.
type Registry struct {
	mu            sync.Mutex
	breakers      map[string]*CircuitBreaker
	onStateChange func(name string, from, to State)
}

// NewRegistry creates an empty registry. onStateChange, when non-nil, is
// attached to every breaker the registry creates.
func NewRegistry(onStateChange func(name string, from, to State)) *Registry {
	return &Registry{
		breakers:      make(map[string]*CircuitBreaker),
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for name, creating it with cfg on first access.
// The config is honored only on creation; later calls return the existing
// instance unchanged.
func (r *Registry) Get(name string, cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.onStateChange
	}
	cb := New(name, cfg)
	r.breakers[name] = cb
	return cb
}

// Named returns the breaker for a known service name, using the pre-tuned
// config for that service (or a generic default for unknown names).
func (r *Registry) Named(name string) *CircuitBreaker {
	cfg, ok := defaultConfigs[name]
	if !ok {
		cfg = fallbackConfig
	}
	return r.Get(name, cfg)
}

// AllStats returns a snapshot of every registered breaker, keyed by service
// name. Consumed by the admin dashboard.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// Reset forces the named breaker back to CLOSED.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no circuit breaker registered for %q", name)
	}
	cb.Reset()
	return nil
}
