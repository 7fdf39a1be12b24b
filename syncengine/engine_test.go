package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroute/gasflow/core"
)

// memStore is an in-memory Store double with the same claim semantics as
// the SQL implementation.
type memStore struct {
	mu     sync.Mutex
	seq    int
	order  map[string]int
	ops    map[string]*core.SyncOperation
	txs    map[string]*core.SyncTransaction
	audits map[string][]AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		order:  make(map[string]int),
		ops:    make(map[string]*core.SyncOperation),
		txs:    make(map[string]*core.SyncTransaction),
		audits: make(map[string][]AuditEntry),
	}
}

func cloneOp(op *core.SyncOperation) *core.SyncOperation {
	c := *op
	return &c
}

func (m *memStore) InsertOperation(ctx context.Context, op *core.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.order[op.ID] = m.seq
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *memStore) InsertTransaction(ctx context.Context, tx *core.SyncTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tx
	m.txs[tx.ID] = &c
	return nil
}

func (m *memStore) GetOperation(ctx context.Context, id string) (*core.SyncOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, &core.DomainError{Op: "memStore.GetOperation", Kind: "not_found", ID: id, Err: core.ErrNotFound}
	}
	return cloneOp(op), nil
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (*core.SyncTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, &core.DomainError{Op: "memStore.GetTransaction", Kind: "not_found", ID: id, Err: core.ErrNotFound}
	}
	c := *tx
	return &c, nil
}

func (m *memStore) UpdateOperation(ctx context.Context, op *core.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *memStore) SettleOperation(ctx context.Context, transactionID string, succeeded bool) (*core.SyncTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[transactionID]
	if !ok {
		return nil, &core.DomainError{Op: "memStore.SettleOperation", Kind: "not_found", ID: transactionID, Err: core.ErrNotFound}
	}
	if succeeded {
		tx.CompletedCount++
	} else {
		tx.FailedCount++
	}
	switch {
	case tx.FailedCount > 0 && (tx.Atomic || tx.StopOnError):
		tx.Status = core.SyncFailed
	case tx.CompletedCount+tx.FailedCount >= tx.OperationsCount:
		if tx.FailedCount == 0 {
			tx.Status = core.SyncCompleted
		} else {
			tx.Status = core.SyncFailed
		}
	default:
		tx.Status = core.SyncInProgress
	}
	c := *tx
	return &c, nil
}

func (m *memStore) ClaimNext(ctx context.Context, staleAfter time.Duration) (*core.SyncOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-staleAfter)
	inFlight := make(map[string]bool)
	for _, op := range m.ops {
		if op.Status == core.SyncInProgress && !op.UpdatedAt.Before(cutoff) {
			inFlight[string(op.Direction)+"/"+op.EntityID] = true
		}
	}
	var best *core.SyncOperation
	for _, op := range m.ops {
		claimable := op.Status == core.SyncPending ||
			(op.Status == core.SyncInProgress && op.UpdatedAt.Before(cutoff))
		if !claimable || inFlight[string(op.Direction)+"/"+op.EntityID] {
			continue
		}
		if best == nil ||
			op.Priority > best.Priority ||
			(op.Priority == best.Priority && m.order[op.ID] < m.order[best.ID]) {
			best = op
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = core.SyncInProgress
	best.UpdatedAt = time.Now().UTC()
	return cloneOp(best), nil
}

func (m *memStore) CancelPendingSiblings(ctx context.Context, transactionID, exceptID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if op.TransactionID != transactionID || op.ID == exceptID {
			continue
		}
		if op.Status == core.SyncPending || op.Status == core.SyncRetry {
			op.Status = core.SyncCancelled
			op.ErrorMessage = reason
			op.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *memStore) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if op.Status == core.SyncRetry && op.NextRetryAt != nil && !op.NextRetryAt.After(now) {
			op.Status = core.SyncPending
			op.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResetFailed(ctx context.Context, entityType core.EntityType, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if n >= limit {
			break
		}
		if op.Status != core.SyncFailed {
			continue
		}
		if entityType != "" && op.EntityType != entityType {
			continue
		}
		op.Status = core.SyncPending
		op.RetryCount = 0
		op.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(StatusCounts)
	for _, op := range m.ops {
		if counts[op.EntityType] == nil {
			counts[op.EntityType] = make(map[core.SyncStatus]int)
		}
		counts[op.EntityType][op.Status]++
	}
	return counts, nil
}

func (m *memStore) OldestPending(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	for _, op := range m.ops {
		if op.Status != core.SyncPending {
			continue
		}
		t := op.CreatedAt
		if oldest == nil || t.Before(*oldest) {
			oldest = &t
		}
	}
	return oldest, nil
}

func (m *memStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits[entry.OperationID] = append(m.audits[entry.OperationID], entry)
	return nil
}

func (m *memStore) AuditFor(ctx context.Context, operationID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audits[operationID]...), nil
}

// fakeLegacy scripts the legacy side: documents to serve on Fetch, push
// failures per entity id, and a record of everything pushed.
type fakeLegacy struct {
	mu      sync.Mutex
	docs    map[string]map[string]interface{}
	pushErr map[string]error
	pushed  []pushRecord
}

type pushRecord struct {
	entityID string
	data     map[string]interface{}
}

func newFakeLegacy() *fakeLegacy {
	return &fakeLegacy{
		docs:    make(map[string]map[string]interface{}),
		pushErr: make(map[string]error),
	}
}

func (f *fakeLegacy) Push(ctx context.Context, op *core.SyncOperation, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pushErr[op.EntityID]; err != nil {
		return err
	}
	f.pushed = append(f.pushed, pushRecord{entityID: op.EntityID, data: data})
	return nil
}

func (f *fakeLegacy) Fetch(ctx context.Context, entityType core.EntityType, entityID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[entityID]
	if !ok {
		return nil, fmt.Errorf("legacy %s/%s: %w", entityType, entityID, core.ErrNotFound)
	}
	return doc, nil
}

func (f *fakeLegacy) pushOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.pushed))
	for i, p := range f.pushed {
		ids[i] = p.entityID
	}
	return ids
}

func newTestEngine(t *testing.T) (*Engine, *memStore, *fakeLegacy) {
	t.Helper()
	store := newMemStore()
	legacy := newFakeLegacy()
	e := NewEngine(store, legacy, core.SyncConfig{
		Workers:         1,
		MaxRetries:      3,
		RetryInterval:   20 * time.Millisecond,
		StaleClaimAfter: time.Minute,
	}, nil)
	e.pollInterval = 5 * time.Millisecond
	return e, store, legacy
}

// drain claims and processes synchronously until the queue is empty.
func drain(t *testing.T, e *Engine, store *memStore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		op, err := store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
		require.NoError(t, err)
		if op == nil {
			return
		}
		e.process(ctx, op)
	}
	t.Fatal("queue did not drain")
}

func TestEnqueueDefaults(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder,
		EntityID:   "o-1",
		Data:       map[string]interface{}{"total": 1200},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	op, err := store.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.SyncPending, op.Status)
	assert.Equal(t, core.SyncToLegacy, op.Direction)
	assert.Equal(t, 3, op.MaxRetries)
}

func TestEnqueueRejectsMissingEntity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Enqueue(context.Background(), &core.SyncOperation{EntityType: core.EntityOrder})
	assert.True(t, core.IsValidation(err))
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	for i, spec := range []struct {
		entity   string
		priority int
	}{
		{"low-first", 1},
		{"low-second", 1},
		{"urgent", 5},
	} {
		_, err := e.Enqueue(ctx, &core.SyncOperation{
			EntityType: core.EntityOrder,
			EntityID:   spec.entity,
			Priority:   spec.priority,
			Data:       map[string]interface{}{"n": i},
		})
		require.NoError(t, err)
	}

	drain(t, e, store)
	assert.Equal(t, []string{"urgent", "low-first", "low-second"}, legacy.pushOrder())
}

func TestConflictAutoResolvedNewestWins(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	// The legacy side edited the same customer one minute after our write:
	// under newest_wins the legacy phone number must prevail.
	ourEdit := time.Now().UTC().Add(-2 * time.Minute)
	legacy.docs["c-1"] = map[string]interface{}{
		"phone":      "0933-111-222",
		"updated_at": ourEdit.Add(time.Minute).Format(time.RFC3339),
	}
	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityCustomer,
		EntityID:   "c-1",
		Data: map[string]interface{}{
			"phone":      "0912-345-678",
			"updated_at": ourEdit.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	// First pass detects the conflict and auto-resolves under the default
	// policy; second pass pushes the winner.
	drain(t, e, store)

	op, err := store.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.SyncCompleted, op.Status)
	assert.Equal(t, core.ResolveNewestWins, op.ConflictResolution)
	assert.Equal(t, "policy:newest_wins", op.ResolvedBy)
	assert.Equal(t, op.ResolvedData, op.Data, "completed operation must store what was pushed")
	assert.Equal(t, "0933-111-222", op.Data["phone"])

	require.Len(t, legacy.pushed, 1)
	assert.Equal(t, "0933-111-222", legacy.pushed[0].data["phone"], "legacy side was newer")

	audit, err := store.AuditFor(ctx, id)
	require.NoError(t, err)
	events := make([]string, len(audit))
	for i, a := range audit {
		events[i] = a.Event
	}
	assert.Equal(t, []string{"conflict_detected", "resolved", "completed"}, events)
}

func TestManualConflictWaitsForResolution(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	legacy.docs["c-2"] = map[string]interface{}{
		"name":       "Chen",
		"updated_at": time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
	}
	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType:         core.EntityCustomer,
		EntityID:           "c-2",
		ConflictResolution: core.ResolveManual,
		Data: map[string]interface{}{
			"name":       "Wang",
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	drain(t, e, store)
	op, _ := store.GetOperation(ctx, id)
	assert.Equal(t, core.SyncConflict, op.Status, "manual conflicts park until a human decides")
	assert.Empty(t, legacy.pushed)

	// A conflicted operation cannot be cancelled, only resolved.
	err = e.Cancel(ctx, id, "nope")
	assert.True(t, core.IsValidation(err))

	chosen := map[string]interface{}{"name": "Wang-Chen"}
	require.NoError(t, e.ResolveConflict(ctx, id, core.ResolveManual, chosen, "ops@gasflow"))

	drain(t, e, store)
	op, _ = store.GetOperation(ctx, id)
	assert.Equal(t, core.SyncCompleted, op.Status)
	assert.Equal(t, "Wang-Chen", op.Data["name"], "stored data follows the chosen resolution")
	require.Len(t, legacy.pushed, 1)
	assert.Equal(t, "Wang-Chen", legacy.pushed[0].data["name"])
}

func TestResolveConflictRequiresConflictState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "o-9",
		Data: map[string]interface{}{"x": 1},
	})
	require.NoError(t, err)

	err = e.ResolveConflict(ctx, id, core.ResolveNewestWins, nil, "ops")
	assert.True(t, core.IsValidation(err))
}

func TestAtomicStopOnErrorCancelsSiblings(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	legacy.pushErr["b"] = fmt.Errorf("legacy rejected write: %w", core.ErrConnectionFailed)

	ops := []*core.SyncOperation{
		{EntityType: core.EntityOrder, EntityID: "a", Priority: 3, Data: map[string]interface{}{"n": 1}, MaxRetries: 1},
		{EntityType: core.EntityOrder, EntityID: "b", Priority: 2, Data: map[string]interface{}{"n": 2}, MaxRetries: 1},
		{EntityType: core.EntityOrder, EntityID: "c", Priority: 1, Data: map[string]interface{}{"n": 3}, MaxRetries: 1},
	}
	txID, err := e.EnqueueTransaction(ctx, &core.SyncTransaction{Atomic: true, StopOnError: true}, ops)
	require.NoError(t, err)

	drain(t, e, store)

	statuses := make(map[string]core.SyncStatus)
	for _, op := range ops {
		got, err := store.GetOperation(ctx, op.ID)
		require.NoError(t, err)
		statuses[got.EntityID] = got.Status
	}
	assert.Equal(t, core.SyncCompleted, statuses["a"])
	assert.Equal(t, core.SyncFailed, statuses["b"])
	assert.Equal(t, core.SyncCancelled, statuses["c"])

	tx, err := e.StatusTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.SyncFailed, tx.Status)
	assert.Equal(t, 1, tx.CompletedCount)
	assert.Equal(t, 1, tx.FailedCount)
	assert.Equal(t, []string{"a"}, legacy.pushOrder())
}

func TestTransactionCompletesWhenAllChildrenComplete(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	ops := []*core.SyncOperation{
		{EntityType: core.EntityOrder, EntityID: "x", Data: map[string]interface{}{"n": 1}},
		{EntityType: core.EntityOrder, EntityID: "y", Data: map[string]interface{}{"n": 2}},
	}
	txID, err := e.EnqueueTransaction(ctx, &core.SyncTransaction{Atomic: true}, ops)
	require.NoError(t, err)

	drain(t, e, store)

	tx, err := e.StatusTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.SyncCompleted, tx.Status)
	assert.Equal(t, 2, tx.CompletedCount)
}

func TestDependencyRequeueDoesNotBurnRetries(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	parentID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityCustomer, EntityID: "parent", Priority: 1,
		Data: map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)
	childID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "child", Priority: 5,
		DependsOn: parentID,
		Data:      map[string]interface{}{"n": 2},
	})
	require.NoError(t, err)

	// Higher priority claims the child first; it must step aside for its
	// parent without spending a retry.
	op, err := store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
	require.NoError(t, err)
	require.Equal(t, childID, op.ID)
	e.process(ctx, op)

	child, _ := store.GetOperation(ctx, childID)
	assert.Equal(t, core.SyncPending, child.Status)
	assert.Equal(t, 0, child.RetryCount)

	drain(t, e, store)
	assert.Equal(t, []string{"parent", "child"}, legacy.pushOrder())
}

func TestDependencyOnFailedParentFails(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	legacy.pushErr["parent"] = fmt.Errorf("boom: %w", core.ErrConnectionFailed)

	parentID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityCustomer, EntityID: "parent", Priority: 5,
		Data: map[string]interface{}{"n": 1}, MaxRetries: 1,
	})
	require.NoError(t, err)
	childID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "child", Priority: 1,
		DependsOn: parentID, Data: map[string]interface{}{"n": 2},
	})
	require.NoError(t, err)

	drain(t, e, store)

	child, _ := store.GetOperation(ctx, childID)
	assert.Equal(t, core.SyncFailed, child.Status)
}

func TestFailureBackoffSchedule(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	op := &core.SyncOperation{
		ID: "bk-1", EntityType: core.EntityOrder, EntityID: "o-1",
		MaxRetries: 12, Data: map[string]interface{}{"n": 1},
	}
	require.NoError(t, store.InsertOperation(ctx, op))

	cases := []struct {
		retryCountBefore int
		wantBackoff      time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{4, 32 * time.Second},
		{8, 300 * time.Second}, // 2^9 = 512s, capped
	}
	for _, tc := range cases {
		op.RetryCount = tc.retryCountBefore
		before := time.Now().UTC()
		e.fail(ctx, op, fmt.Errorf("transient: %w", core.ErrConnectionFailed))

		got, _ := store.GetOperation(ctx, "bk-1")
		require.Equal(t, core.SyncRetry, got.Status)
		require.NotNil(t, got.NextRetryAt)
		delay := got.NextRetryAt.Sub(before)
		assert.InDelta(t, tc.wantBackoff.Seconds(), delay.Seconds(), 1.0,
			"retry_count %d", tc.retryCountBefore)
	}
}

func TestRetrySchedulerPromotesDueOperations(t *testing.T) {
	_, store, _ := newTestEngine(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Second)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.InsertOperation(ctx, &core.SyncOperation{
		ID: "due", EntityType: core.EntityOrder, EntityID: "d",
		Status: core.SyncRetry, NextRetryAt: &past,
	}))
	require.NoError(t, store.InsertOperation(ctx, &core.SyncOperation{
		ID: "early", EntityType: core.EntityOrder, EntityID: "e",
		Status: core.SyncRetry, NextRetryAt: &future,
	}))

	n, err := store.PromoteDueRetries(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, _ := store.GetOperation(ctx, "due")
	assert.Equal(t, core.SyncPending, due.Status)
	early, _ := store.GetOperation(ctx, "early")
	assert.Equal(t, core.SyncRetry, early.Status)
}

func TestPauseResume(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	e.Pause()
	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "p-1",
		Data: map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	op, _ := store.GetOperation(ctx, id)
	assert.Equal(t, core.SyncPending, op.Status, "paused engine must not claim")

	e.Resume()
	require.Eventually(t, func() bool {
		op, _ := store.GetOperation(ctx, id)
		return op.Status == core.SyncCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelOnlyPendingOrRetry(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "c-1",
		Data: map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, id, "operator request"))

	op, _ := store.GetOperation(ctx, id)
	assert.Equal(t, core.SyncCancelled, op.Status)

	err = e.Cancel(ctx, id, "again")
	assert.True(t, core.IsValidation(err), "cancelled is terminal")
}

func TestRetryFailedResetsBudget(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	legacy.pushErr["f-1"] = fmt.Errorf("down: %w", core.ErrConnectionFailed)
	id, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "f-1",
		Data: map[string]interface{}{"n": 1}, MaxRetries: 1,
	})
	require.NoError(t, err)
	drain(t, e, store)

	op, _ := store.GetOperation(ctx, id)
	require.Equal(t, core.SyncFailed, op.Status)

	n, err := e.RetryFailed(ctx, core.EntityOrder, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, _ = store.GetOperation(ctx, id)
	assert.Equal(t, core.SyncPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)

	// Legacy recovered; the reset operation syncs on the next pass.
	legacy.mu.Lock()
	delete(legacy.pushErr, "f-1")
	legacy.mu.Unlock()
	drain(t, e, store)

	op, _ = store.GetOperation(ctx, id)
	assert.Equal(t, core.SyncCompleted, op.Status)
}

func TestMetricsSnapshot(t *testing.T) {
	e, store, legacy := newTestEngine(t)
	ctx := context.Background()

	legacy.pushErr["bad"] = fmt.Errorf("down: %w", core.ErrConnectionFailed)
	_, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "good",
		Data: map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityCustomer, EntityID: "bad",
		Data: map[string]interface{}{"n": 2}, MaxRetries: 1,
	})
	require.NoError(t, err)

	drain(t, e, store)

	m, err := e.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
	assert.InDelta(t, 0.5, m.SuccessRate, 0.001)
	assert.Equal(t, 1, m.Counts[core.EntityOrder][core.SyncCompleted])
	assert.Equal(t, 1, m.Counts[core.EntityCustomer][core.SyncFailed])
	assert.Nil(t, m.OldestPending)
}

func TestStatusCountsSorted(t *testing.T) {
	_, store, _ := newTestEngine(t)
	ctx := context.Background()

	for i, et := range []core.EntityType{core.EntityOrder, core.EntityOrder, core.EntityCustomer} {
		require.NoError(t, store.InsertOperation(ctx, &core.SyncOperation{
			ID: fmt.Sprintf("s-%d", i), EntityType: et, EntityID: "x",
			Status: core.SyncPending,
		}))
	}
	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)

	types := make([]string, 0, len(counts))
	for et := range counts {
		types = append(types, string(et))
	}
	sort.Strings(types)
	assert.Equal(t, []string{"customer", "order"}, types)
	assert.Equal(t, 2, counts[core.EntityOrder][core.SyncPending])
}

func TestClaimSkipsEntitiesWithInFlightOperation(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	firstID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityCustomer, EntityID: "c-7",
		Data: map[string]interface{}{"rev": 1},
	})
	require.NoError(t, err)
	secondID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityCustomer, EntityID: "c-7", Priority: 9,
		Data: map[string]interface{}{"rev": 2},
	})
	require.NoError(t, err)
	otherID, err := e.Enqueue(ctx, &core.SyncOperation{
		EntityType: core.EntityOrder, EntityID: "o-7",
		Data: map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)

	// The higher-priority second write wins the first claim, but while it
	// is in flight nothing else for c-7 may be claimed.
	first, err := store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
	require.NoError(t, err)
	require.Equal(t, secondID, first.ID)

	next, err := store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, otherID, next.ID, "a different entity is not blocked")

	blocked, err := store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
	require.NoError(t, err)
	assert.Nil(t, blocked, "c-7 has an operation in flight")

	// Finishing the in-flight operation releases the entity.
	e.process(ctx, first)
	released, err := store.ClaimNext(ctx, e.cfg.StaleClaimAfter)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, firstID, released.ID)
}

func TestTransactionCountsSurviveConcurrentWorkers(t *testing.T) {
	store := newMemStore()
	legacy := newFakeLegacy()
	e := NewEngine(store, legacy, core.SyncConfig{
		Workers:         3,
		MaxRetries:      3,
		RetryInterval:   20 * time.Millisecond,
		StaleClaimAfter: time.Minute,
	}, nil)
	e.pollInterval = time.Millisecond
	ctx := context.Background()

	ops := make([]*core.SyncOperation, 6)
	for i := range ops {
		ops[i] = &core.SyncOperation{
			EntityType: core.EntityOrder,
			EntityID:   fmt.Sprintf("cw-%d", i),
			Data:       map[string]interface{}{"n": i},
		}
	}
	txID, err := e.EnqueueTransaction(ctx, &core.SyncTransaction{Atomic: true}, ops)
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	// Siblings settling on different workers must not lose a counter
	// increment; the transaction can only complete if every one lands.
	require.Eventually(t, func() bool {
		tx, err := store.GetTransaction(ctx, txID)
		return err == nil && tx.Status == core.SyncCompleted
	}, 5*time.Second, 5*time.Millisecond)

	tx, err := store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, len(ops), tx.CompletedCount)
	assert.Equal(t, 0, tx.FailedCount)
	assert.Len(t, legacy.pushOrder(), len(ops))
}
