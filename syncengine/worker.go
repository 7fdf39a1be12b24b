package syncengine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openroute/gasflow/core"
)

const maxBackoff = 300 * time.Second

// worker claims operations one at a time and processes them until ctx is
// cancelled. Claiming stops while the engine is paused.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.isPaused() {
			e.sleep(ctx, e.pollInterval)
			continue
		}

		op, err := e.store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Claim failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			e.sleep(ctx, time.Second)
			continue
		}
		if op == nil {
			e.sleep(ctx, e.pollInterval)
			continue
		}

		e.process(ctx, op)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// process runs one claimed operation end to end: dependency gate, conflict
// detection, push, and outcome accounting.
func (e *Engine) process(ctx context.Context, op *core.SyncOperation) {
	start := time.Now()

	// A dependent operation waits until its parent completes. Returning to
	// pending is not a failure, so the retry budget is untouched.
	if op.DependsOn != "" {
		dep, err := e.store.GetOperation(ctx, op.DependsOn)
		if err != nil || dep.Status != core.SyncCompleted {
			if dep != nil && (dep.Status == core.SyncFailed || dep.Status == core.SyncCancelled) {
				// The parent is terminal; retrying cannot help.
				e.failPermanent(ctx, op, fmt.Errorf("dependency %s is %s: %w", op.DependsOn, dep.Status, core.ErrSyncConflict))
				return
			}
			op.Status = core.SyncPending
			op.UpdatedAt = time.Now().UTC()
			if uerr := e.store.UpdateOperation(ctx, op); uerr != nil {
				e.logger.Error("Dependency requeue failed", map[string]interface{}{
					"operation_id": op.ID, "error": uerr.Error(),
				})
			}
			return
		}
	}

	data := op.Data
	switch {
	case op.ResolvedData != nil:
		// Already resolved; skip detection and push the winner.
		data = op.ResolvedData
	case op.Direction != core.SyncFromLegacy:
		legacyDoc, err := e.legacy.Fetch(ctx, op.EntityType, op.EntityID)
		if err == nil && detectConflict(op, legacyDoc) {
			op.LegacyData = legacyDoc
			e.markConflict(ctx, op)
			return
		}
	}

	if err := e.legacy.Push(ctx, op, data); err != nil {
		e.fail(ctx, op, err)
		e.metrics.IncrCounter("sync_push_failed", map[string]string{"entity_type": string(op.EntityType)})
		return
	}
	e.complete(ctx, op, data, start)
}

// markConflict parks the operation in conflict, then applies the
// operation's resolution policy immediately unless it requires a human.
func (e *Engine) markConflict(ctx context.Context, op *core.SyncOperation) {
	op.Status = core.SyncConflict
	op.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		e.logger.Error("Conflict update failed", map[string]interface{}{
			"operation_id": op.ID, "error": err.Error(),
		})
		return
	}
	_ = e.audit(ctx, op.ID, "conflict_detected", fmt.Sprintf(
		"entity=%s/%s local_hash=%.12s legacy_hash=%.12s",
		op.EntityType, op.EntityID, contentHash(op.Data), contentHash(op.LegacyData)))

	e.logger.Warn("Sync conflict detected", map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  string(op.EntityType),
		"entity_id":    op.EntityID,
	})

	strategy := op.ConflictResolution
	if strategy == "" {
		strategy = e.defaultStrategy
	}
	resolved, ok := resolve(strategy, op)
	if !ok {
		return // manual: stays in conflict until ResolveConflict is called
	}

	op.ResolvedData = resolved
	op.ConflictResolution = strategy
	op.ResolvedBy = "policy:" + string(strategy)
	op.Status = core.SyncPending
	op.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		e.logger.Error("Auto-resolution update failed", map[string]interface{}{
			"operation_id": op.ID, "error": err.Error(),
		})
		return
	}
	_ = e.audit(ctx, op.ID, "resolved", fmt.Sprintf("strategy=%s by=%s", strategy, op.ResolvedBy))
}

// complete persists the operation as completed carrying the payload that
// was actually pushed, so a resolved operation stores its resolved data.
func (e *Engine) complete(ctx context.Context, op *core.SyncOperation, data map[string]interface{}, start time.Time) {
	now := time.Now().UTC()
	op.Data = data
	op.Status = core.SyncCompleted
	op.CompletedAt = &now
	op.UpdatedAt = now
	op.ErrorMessage = ""
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		e.logger.Error("Completion update failed", map[string]interface{}{
			"operation_id": op.ID, "error": err.Error(),
		})
		return
	}
	_ = e.audit(ctx, op.ID, "completed", "")

	latency := time.Since(start)
	e.recordOutcome(latency, true)
	e.metrics.IncrCounter("sync_completed", map[string]string{"entity_type": string(op.EntityType)})
	e.metrics.ObserveLatency("sync_latency", float64(latency.Milliseconds()), nil)

	if op.TransactionID != "" {
		e.accountSuccess(ctx, op)
	}
}

// fail increments the retry budget and either schedules a backed-off retry
// or marks the operation permanently failed.
func (e *Engine) fail(ctx context.Context, op *core.SyncOperation, cause error) {
	op.RetryCount++
	op.ErrorMessage = cause.Error()
	op.UpdatedAt = time.Now().UTC()

	if op.RetryCount < op.MaxRetries {
		backoff := time.Duration(math.Pow(2, float64(op.RetryCount))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		next := time.Now().UTC().Add(backoff)
		op.Status = core.SyncRetry
		op.NextRetryAt = &next
		if err := e.store.UpdateOperation(ctx, op); err != nil {
			e.logger.Error("Retry update failed", map[string]interface{}{
				"operation_id": op.ID, "error": err.Error(),
			})
		}
		e.logger.Warn("Sync operation will retry", map[string]interface{}{
			"operation_id": op.ID,
			"retry_count":  op.RetryCount,
			"backoff":      backoff.String(),
			"error":        cause.Error(),
		})
		return
	}

	e.failPermanent(ctx, op, cause)
}

// failPermanent marks the operation failed with no further retries and
// settles its transaction.
func (e *Engine) failPermanent(ctx context.Context, op *core.SyncOperation, cause error) {
	op.Status = core.SyncFailed
	op.ErrorMessage = cause.Error()
	op.NextRetryAt = nil
	op.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		e.logger.Error("Failure update failed", map[string]interface{}{
			"operation_id": op.ID, "error": err.Error(),
		})
	}
	_ = e.audit(ctx, op.ID, "failed", cause.Error())
	e.recordOutcome(0, false)
	e.logger.Error("Sync operation failed permanently", map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  string(op.EntityType),
		"entity_id":    op.EntityID,
		"error":        cause.Error(),
	})

	if op.TransactionID != "" {
		e.accountFailure(ctx, op)
	}
}

// accountSuccess folds the completion into the transaction. The store
// settles counter and status atomically; sibling workers settling the same
// transaction concurrently cannot lose an increment.
func (e *Engine) accountSuccess(ctx context.Context, op *core.SyncOperation) {
	if _, err := e.store.SettleOperation(ctx, op.TransactionID, true); err != nil {
		e.logger.Error("Transaction settlement failed", map[string]interface{}{
			"transaction_id": op.TransactionID, "error": err.Error(),
		})
	}
}

// accountFailure settles the failure and, under stop_on_error, cancels
// every sibling that has not started yet.
func (e *Engine) accountFailure(ctx context.Context, op *core.SyncOperation) {
	tx, err := e.store.SettleOperation(ctx, op.TransactionID, false)
	if err != nil {
		e.logger.Error("Transaction settlement failed", map[string]interface{}{
			"transaction_id": op.TransactionID, "error": err.Error(),
		})
		return
	}

	if tx.StopOnError {
		n, err := e.store.CancelPendingSiblings(ctx, tx.ID, op.ID, "transaction aborted: sibling "+op.ID+" failed")
		if err != nil {
			e.logger.Error("Sibling cancellation failed", map[string]interface{}{
				"transaction_id": tx.ID, "error": err.Error(),
			})
			return
		}
		e.logger.Warn("Cancelled pending siblings", map[string]interface{}{
			"transaction_id": tx.ID,
			"cancelled":      n,
		})
	}
}
