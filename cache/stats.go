package cache

import (
	"sync"
	"time"

	"github.com/openroute/gasflow/core"
)

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Operations       map[string]int64
	Errors           map[string]int64
	Hits             int64
	Misses           int64
	ConnectionErrors int64
	AvgLatency       time.Duration
	Samples          int
}

// HitRate is hits over lookups, zero when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type stats struct {
	mu         sync.Mutex
	operations map[string]int64
	errors     map[string]int64
	hits       int64
	misses     int64
	connErrors int64
	latencies  []time.Duration
}

func newStats() *stats {
	return &stats{
		operations: make(map[string]int64),
		errors:     make(map[string]int64),
	}
}

func (s *stats) observe(op string, latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op]++
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > statsLatencyWindow {
		s.latencies = s.latencies[len(s.latencies)-statsLatencyWindow:]
	}
	if err != nil {
		s.errors[op]++
		if core.IsTransient(err) {
			s.connErrors++
		}
	}
}

func (s *stats) hit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *stats) miss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Operations:       make(map[string]int64, len(s.operations)),
		Errors:           make(map[string]int64, len(s.errors)),
		Hits:             s.hits,
		Misses:           s.misses,
		ConnectionErrors: s.connErrors,
		Samples:          len(s.latencies),
	}
	for k, v := range s.operations {
		out.Operations[k] = v
	}
	for k, v := range s.errors {
		out.Errors[k] = v
	}
	if len(s.latencies) > 0 {
		var total time.Duration
		for _, l := range s.latencies {
			total += l
		}
		out.AvgLatency = total / time.Duration(len(s.latencies))
	}
	return out
}
