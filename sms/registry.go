package sms

import (
	"sort"
	"sync"
	"time"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/resilience"
)

// ProviderStats is a snapshot of one provider's health.
type ProviderStats struct {
	Name        string
	Priority    int
	Sent        int64
	Failed      int64
	SuccessRate float64
	Breaker     resilience.CircuitState
	RateRemain  int
}

// registeredProvider couples a provider with its gate-keeping state.
type registeredProvider struct {
	provider Provider
	priority int
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.RateLimiter

	mu     sync.Mutex
	sent   int64
	failed int64
}

// successRate starts optimistic so fresh providers are eligible.
func (rp *registeredProvider) successRate() float64 {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	total := rp.sent + rp.failed
	if total == 0 {
		return 1
	}
	return float64(rp.sent) / float64(total)
}

func (rp *registeredProvider) recordResult(ok bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if ok {
		rp.sent++
	} else {
		rp.failed++
	}
}

// Registry holds the available providers and picks one per send.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*registeredProvider
	logger    core.Logger
}

func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{providers: make(map[string]*registeredProvider), logger: logger}
}

// Register adds a provider with its priority and per-60s rate limit.
// Breakers follow the provider pattern: threshold 3, recovery 300s.
func (r *Registry) Register(p Provider, priority, ratePerWindow int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = &registeredProvider{
		provider: p,
		priority: priority,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "sms-" + p.Name(),
			FailureThreshold: 3,
			RecoveryTimeout:  300 * time.Second,
			Logger:           r.logger,
		}),
		limiter: resilience.NewRateLimiter(ratePerWindow, 60*time.Second),
	}
}

// candidates returns providers ordered by priority desc then success rate
// desc, excluding the named ones.
func (r *Registry) candidates(exclude map[string]bool) []*registeredProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*registeredProvider, 0, len(r.providers))
	for name, rp := range r.providers {
		if exclude[name] {
			continue
		}
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		ri, rj := out[i].successRate(), out[j].successRate()
		if ri != rj {
			return ri > rj
		}
		return out[i].provider.Name() < out[j].provider.Name()
	})
	return out
}

func (r *Registry) byName(name string) (*registeredProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp, ok := r.providers[name]
	return rp, ok
}

// Stats snapshots every provider, best candidates first.
func (r *Registry) Stats() []ProviderStats {
	out := make([]ProviderStats, 0)
	for _, rp := range r.candidates(nil) {
		rp.mu.Lock()
		sent, failed := rp.sent, rp.failed
		rp.mu.Unlock()
		rate := 1.0
		if sent+failed > 0 {
			rate = float64(sent) / float64(sent+failed)
		}
		out = append(out, ProviderStats{
			Name:        rp.provider.Name(),
			Priority:    rp.priority,
			Sent:        sent,
			Failed:      failed,
			SuccessRate: rate,
			Breaker:     rp.breaker.State(),
			RateRemain:  rp.limiter.Remaining(),
		})
	}
	return out
}
