// Package throttle bounds how fast and how wide the dispatcher drives
// mutations against individual clusters. Per-target serialization already
// comes from the lock table; throttling limits aggregate churn — e.g. a
// cluster whose derived node actions would otherwise saturate the pool,
// or a backend driver with a rate ceiling.
package throttle

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines limits for one throttle key. Keys are chosen by the
// caller; the dispatcher uses the action's cluster ID (the owning cluster
// for node actions).
type Config struct {
	// Key identifies the throttled scope (typically a cluster ID string).
	Key string

	// MaxInFlight limits how many actions for this key may execute
	// simultaneously across the local pool. Zero means no limit.
	MaxInFlight int

	// RateLimit is the maximum sustained actions per second admitted for
	// this key. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// state tracks runtime counters for a single key.
type state struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager admits or defers actions per throttle key. It is safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	keys     map[string]*state
	fallback *Config // applied to keys with no explicit config, optional
}

// NewManager creates a Manager with the given per-key configurations.
// Keys not listed have no limits unless a default is set.
func NewManager(configs ...Config) *Manager {
	m := &Manager{keys: make(map[string]*state, len(configs))}
	for _, cfg := range configs {
		m.keys[cfg.Key] = newState(cfg)
	}
	return m
}

// SetDefault applies cfg (ignoring its Key) to every key that has no
// explicit configuration.
func (m *Manager) SetDefault(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &cfg
}

func newState(cfg Config) *state {
	s := &state{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Acquire checks the rate limit and in-flight cap for key. If the action
// is admitted it increments the active counter and returns true. The
// caller MUST call Release when the action completes. Unconfigured keys
// (with no default set) are always admitted.
func (m *Manager) Acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.keys[key]
	if s == nil {
		if m.fallback == nil {
			return true
		}
		cfg := *m.fallback
		cfg.Key = key
		s = newState(cfg)
		m.keys[key] = s
	}

	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	if s.config.MaxInFlight > 0 && s.active >= s.config.MaxInFlight {
		return false
	}

	s.active++
	return true
}

// Release decrements the active count for key.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.keys[key]; s != nil && s.active > 0 {
		s.active--
	}
}

// SetConfig dynamically updates (or creates) a key configuration,
// preserving the current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.keys[cfg.Key]
	s := newState(cfg)
	if existing != nil {
		s.active = existing.active
	}
	m.keys[cfg.Key] = s
}

// ActiveCount returns the current number of in-flight actions for key.
func (m *Manager) ActiveCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.keys[key]; s != nil {
		return s.active
	}
	return 0
}
