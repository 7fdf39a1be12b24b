package syncengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openroute/gasflow/core"
)

// LegacyClient is the bridge to the legacy system of record.
type LegacyClient interface {
	// Push writes data for the operation's entity to the legacy side.
	Push(ctx context.Context, op *core.SyncOperation, data map[string]interface{}) error
	// Fetch reads the legacy side's current document for conflict detection.
	Fetch(ctx context.Context, entityType core.EntityType, entityID string) (map[string]interface{}, error)
}

// SyncMetrics is the engine's observable state.
type SyncMetrics struct {
	Counts        StatusCounts
	Completed     int64
	Failed        int64
	SuccessRate   float64
	AvgLatency    time.Duration
	OldestPending *time.Time
}

// Engine drives the durable sync queue: N workers claim operations, a
// retry scheduler promotes due retries, and a metrics collector keeps a
// periodic snapshot in the logs.
type Engine struct {
	store   Store
	legacy  LegacyClient
	cfg     core.SyncConfig
	logger  core.Logger
	metrics core.Metrics

	defaultStrategy core.ConflictResolution
	pollInterval    time.Duration

	paused  int32
	started int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statMu    sync.Mutex
	completed int64
	failed    int64
	latencies []time.Duration
}

// NewEngine wires the engine. The default conflict policy is newest_wins.
func NewEngine(store Store, legacy LegacyClient, cfg core.SyncConfig, logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 10 * time.Minute
	}
	if cfg.DefaultTxTimeout <= 0 {
		cfg.DefaultTxTimeout = 300 * time.Second
	}
	return &Engine{
		store:           store,
		legacy:          legacy,
		cfg:             cfg,
		logger:          logger,
		metrics:         &core.NoOpMetrics{},
		defaultStrategy: core.ResolveNewestWins,
		pollInterval:    500 * time.Millisecond,
	}
}

// Enqueue persists a new operation in pending and returns its id.
func (e *Engine) Enqueue(ctx context.Context, op *core.SyncOperation) (string, error) {
	if op.EntityType == "" || op.EntityID == "" {
		return "", &core.DomainError{Op: "syncengine.Enqueue", Kind: "validation",
			Message: "entity_type and entity_id are required", Err: core.ErrValidation}
	}
	if op.Direction == "" {
		op.Direction = core.SyncToLegacy
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = e.cfg.MaxRetries
	}
	now := time.Now().UTC()
	op.Status = core.SyncPending
	op.CreatedAt, op.UpdatedAt = now, now

	if err := e.store.InsertOperation(ctx, op); err != nil {
		return "", &core.DomainError{Op: "syncengine.Enqueue", Kind: "transient", ID: op.ID, Err: err}
	}
	return op.ID, nil
}

// EnqueueTransaction persists a transaction and its operations; every
// operation carries the shared transaction id.
func (e *Engine) EnqueueTransaction(ctx context.Context, tx *core.SyncTransaction, ops []*core.SyncOperation) (string, error) {
	if len(ops) == 0 {
		return "", &core.DomainError{Op: "syncengine.EnqueueTransaction", Kind: "validation",
			Message: "a transaction needs at least one operation", Err: core.ErrValidation}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.TimeoutSeconds <= 0 {
		tx.TimeoutSeconds = int(e.cfg.DefaultTxTimeout / time.Second)
	}
	tx.OperationsCount = len(ops)
	tx.Status = core.SyncPending
	tx.CreatedAt = time.Now().UTC()

	if err := e.store.InsertTransaction(ctx, tx); err != nil {
		return "", &core.DomainError{Op: "syncengine.EnqueueTransaction", Kind: "transient", ID: tx.ID, Err: err}
	}
	for _, op := range ops {
		op.TransactionID = tx.ID
		if _, err := e.Enqueue(ctx, op); err != nil {
			return "", err
		}
	}
	return tx.ID, nil
}

// Status returns the operation's current state.
func (e *Engine) Status(ctx context.Context, id string) (*core.SyncOperation, error) {
	return e.store.GetOperation(ctx, id)
}

// StatusTransaction returns the transaction's current state.
func (e *Engine) StatusTransaction(ctx context.Context, id string) (*core.SyncTransaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// ResolveConflict applies a resolution to a conflicted operation and
// returns it to pending for one more pass. Manual resolution must supply
// the winning data.
func (e *Engine) ResolveConflict(ctx context.Context, id string, resolution core.ConflictResolution, data map[string]interface{}, resolvedBy string) error {
	op, err := e.store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != core.SyncConflict {
		return &core.DomainError{Op: "syncengine.ResolveConflict", Kind: "validation", ID: id,
			Message: fmt.Sprintf("operation is %s, not conflict", op.Status), Err: core.ErrValidation}
	}

	resolved := data
	if resolved == nil {
		var ok bool
		resolved, ok = resolve(resolution, op)
		if !ok {
			return &core.DomainError{Op: "syncengine.ResolveConflict", Kind: "validation", ID: id,
				Message: "manual resolution requires explicit data", Err: core.ErrValidation}
		}
	}

	op.ResolvedData = resolved
	op.ConflictResolution = resolution
	op.ResolvedBy = resolvedBy
	op.Status = core.SyncPending
	op.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		return err
	}
	return e.audit(ctx, op.ID, "resolved", fmt.Sprintf("strategy=%s by=%s", resolution, resolvedBy))
}

// Pause stops workers from claiming new work; in-progress operations run
// to completion.
func (e *Engine) Pause() {
	atomic.StoreInt32(&e.paused, 1)
	e.logger.Info("Sync engine paused", nil)
}

// Resume lets workers claim work again.
func (e *Engine) Resume() {
	atomic.StoreInt32(&e.paused, 0)
	e.logger.Info("Sync engine resumed", nil)
}

func (e *Engine) isPaused() bool {
	return atomic.LoadInt32(&e.paused) == 1
}

// Cancel aborts an operation that has not started executing. Only pending
// and retry operations may be cancelled.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	op, err := e.store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != core.SyncPending && op.Status != core.SyncRetry {
		return &core.DomainError{Op: "syncengine.Cancel", Kind: "validation", ID: id,
			Message: fmt.Sprintf("cannot cancel operation in %s", op.Status), Err: core.ErrValidation}
	}
	op.Status = core.SyncCancelled
	op.ErrorMessage = reason
	op.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		return err
	}
	return e.audit(ctx, id, "cancelled", reason)
}

// RetryFailed resets failed operations to pending with a fresh retry
// budget. entityType narrows the reset when non-empty.
func (e *Engine) RetryFailed(ctx context.Context, entityType core.EntityType, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.ResetFailed(ctx, entityType, limit)
}

// Metrics reports queue depth per entity type, success rate, average sync
// latency and the oldest pending operation.
func (e *Engine) Metrics(ctx context.Context) (SyncMetrics, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return SyncMetrics{}, err
	}
	oldest, err := e.store.OldestPending(ctx)
	if err != nil {
		return SyncMetrics{}, err
	}

	e.statMu.Lock()
	m := SyncMetrics{
		Counts:        counts,
		Completed:     e.completed,
		Failed:        e.failed,
		OldestPending: oldest,
	}
	if total := e.completed + e.failed; total > 0 {
		m.SuccessRate = float64(e.completed) / float64(total)
	}
	if len(e.latencies) > 0 {
		var sum time.Duration
		for _, l := range e.latencies {
			sum += l
		}
		m.AvgLatency = sum / time.Duration(len(e.latencies))
	}
	e.statMu.Unlock()
	return m, nil
}

// Start launches the workers, the retry scheduler and the metrics
// collector. Stop (or cancelling ctx) shuts them down.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return core.ErrAlreadyStarted
	}
	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.retryScheduler(ctx)
	e.wg.Add(1)
	go e.metricsCollector(ctx)

	e.logger.Info("Sync engine started", map[string]interface{}{
		"workers":        e.cfg.Workers,
		"retry_interval": e.cfg.RetryInterval.String(),
	})
	return nil
}

// Stop shuts the engine down and waits for in-flight work to finish.
func (e *Engine) Stop() {
	if !atomic.CompareAndSwapInt32(&e.started, 1, 0) {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("Sync engine stopped", nil)
}

func (e *Engine) retryScheduler(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.PromoteDueRetries(ctx, time.Now().UTC())
			if err != nil {
				e.logger.Error("Retry promotion failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if n > 0 {
				e.logger.Debug("Promoted due retries", map[string]interface{}{"count": n})
			}
		}
	}
}

func (e *Engine) metricsCollector(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := e.Metrics(ctx)
			if err != nil {
				continue
			}
			e.logger.Debug("Sync metrics", map[string]interface{}{
				"completed":    m.Completed,
				"failed":       m.Failed,
				"success_rate": m.SuccessRate,
				"avg_latency":  m.AvgLatency.String(),
			})
		}
	}
}

func (e *Engine) audit(ctx context.Context, opID, event, detail string) error {
	return e.store.AppendAudit(ctx, AuditEntry{
		OperationID: opID,
		Event:       event,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	})
}

func (e *Engine) recordOutcome(latency time.Duration, ok bool) {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	if ok {
		e.completed++
	} else {
		e.failed++
	}
	e.latencies = append(e.latencies, latency)
	if len(e.latencies) > 1000 {
		e.latencies = e.latencies[len(e.latencies)-1000:]
	}
}
