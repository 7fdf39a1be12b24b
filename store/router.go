// Package store is the data plane: a primary/replica router with health
// probing, and the repositories the rest of the system reads and writes
// through. Writes always hit the primary; reads round-robin over the
// currently healthy replicas and fall back to the primary when none are.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/openroute/gasflow/core"
)

const latencyWindow = 100

// Endpoint is one database connection with its health bookkeeping.
type Endpoint struct {
	Name      string
	DB        *sqlx.DB
	isReplica bool

	mu         sync.Mutex
	healthy    bool
	latencies  []time.Duration
	errorCount int
}

// Healthy reports whether the last probe succeeded.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *Endpoint) record(latency time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latencies = append(e.latencies, latency)
	if len(e.latencies) > latencyWindow {
		e.latencies = e.latencies[len(e.latencies)-latencyWindow:]
	}
	if err != nil {
		e.errorCount++
		e.healthy = false
		return
	}
	e.healthy = true
}

// EndpointStats is a point-in-time health snapshot.
type EndpointStats struct {
	Name       string
	Healthy    bool
	Errors     int
	Samples    int
	AvgLatency time.Duration
}

func (e *Endpoint) stats() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EndpointStats{Name: e.Name, Healthy: e.healthy, Errors: e.errorCount, Samples: len(e.latencies)}
	if len(e.latencies) > 0 {
		var total time.Duration
		for _, l := range e.latencies {
			total += l
		}
		s.AvgLatency = total / time.Duration(len(e.latencies))
	}
	return s
}

// Router sends writes to the primary and reads to healthy replicas.
type Router struct {
	primary  *Endpoint
	replicas []*Endpoint
	interval time.Duration
	timeout  time.Duration
	logger   core.Logger

	next     uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open connects the primary and all configured replicas and returns a
// router. Call Start to begin health probing and Close to tear down.
func Open(cfg core.DatabaseConfig, logger core.Logger) (*Router, error) {
	primary, err := openPool(cfg, cfg.PrimaryURL)
	if err != nil {
		return nil, &core.DomainError{Op: "store.Open", Kind: "fatal", Err: err}
	}
	replicas := make([]*sqlx.DB, 0, len(cfg.Replicas))
	for _, url := range cfg.Replicas {
		db, err := openPool(cfg, url)
		if err != nil {
			return nil, &core.DomainError{Op: "store.Open", Kind: "fatal", ID: url, Err: err}
		}
		replicas = append(replicas, db)
	}
	r := NewRouter(primary, replicas, cfg.HealthInterval, logger)
	r.timeout = cfg.CommandTimeout
	return r, nil
}

func openPool(cfg core.DatabaseConfig, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.PoolRecycle)
	return db, nil
}

// NewRouter wires a router over already-open connections. Replicas start
// healthy; the first failed probe removes them from rotation.
func NewRouter(primary *sqlx.DB, replicas []*sqlx.DB, interval time.Duration, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &Router{
		primary:  &Endpoint{Name: "primary", DB: primary, healthy: true},
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for i, db := range replicas {
		r.replicas = append(r.replicas, &Endpoint{
			Name:      fmt.Sprintf("replica-%d", i),
			DB:        db,
			isReplica: true,
			healthy:   true,
		})
	}
	return r
}

// Writer returns the primary connection.
func (r *Router) Writer() *sqlx.DB {
	return r.primary.DB
}

// Reader returns the next healthy replica in round-robin order, or the
// primary with a warning when no replica is healthy.
func (r *Router) Reader() *sqlx.DB {
	healthy := make([]*Endpoint, 0, len(r.replicas))
	for _, e := range r.replicas {
		if e.Healthy() {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) == 0 {
		if len(r.replicas) > 0 {
			r.logger.Warn("no healthy replicas, serving reads from primary", map[string]interface{}{
				"replicas": len(r.replicas),
			})
		}
		return r.primary.DB
	}
	n := atomic.AddUint64(&r.next, 1)
	return healthy[(n-1)%uint64(len(healthy))].DB
}

// Start launches the background health loop. Probes run every interval;
// replicas that fail are removed from rotation and re-admitted on a later
// successful probe.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.CheckNow(ctx)
			}
		}
	}()
}

// CheckNow probes every endpoint once.
func (r *Router) CheckNow(ctx context.Context) {
	r.probe(ctx, r.primary)
	for _, e := range r.replicas {
		r.probe(ctx, e)
	}
}

func (r *Router) probe(ctx context.Context, e *Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	wasHealthy := e.Healthy()
	start := time.Now()
	err := r.probeQuery(ctx, e)
	e.record(time.Since(start), err)

	if err != nil && wasHealthy {
		r.logger.Warn("database endpoint removed from rotation", map[string]interface{}{
			"endpoint": e.Name,
			"error":    err.Error(),
		})
	}
	if err == nil && !wasHealthy {
		r.logger.Info("database endpoint re-admitted", map[string]interface{}{
			"endpoint": e.Name,
		})
	}
}

func (r *Router) probeQuery(ctx context.Context, e *Endpoint) error {
	var one int
	if err := e.DB.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return err
	}
	if e.isReplica {
		var inRecovery bool
		if err := e.DB.GetContext(ctx, &inRecovery, "SELECT pg_is_in_recovery()"); err != nil {
			return err
		}
	}
	return nil
}

// Stats snapshots all endpoints, primary first.
func (r *Router) Stats() []EndpointStats {
	out := []EndpointStats{r.primary.stats()}
	for _, e := range r.replicas {
		out = append(out, e.stats())
	}
	return out
}

// Close stops the health loop and closes every connection.
func (r *Router) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	err := r.primary.DB.Close()
	for _, e := range r.replicas {
		if cerr := e.DB.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
