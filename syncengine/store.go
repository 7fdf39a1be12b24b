// Package syncengine is the dual-write replication engine: a durable queue
// of sync operations with transactional grouping, dependency ordering,
// retry with backoff, conflict detection and resolution, and an audit log.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openroute/gasflow/core"
)

// AuditEntry records one noteworthy transition of a sync operation.
type AuditEntry struct {
	OperationID string    `db:"operation_id"`
	Event       string    `db:"event"` // conflict_detected, resolved, completed, failed, cancelled
	Detail      string    `db:"detail"`
	CreatedAt   time.Time `db:"created_at"`
}

// StatusCounts aggregates queue depth per entity type and status.
type StatusCounts map[core.EntityType]map[core.SyncStatus]int

// Store is the durable queue. The production implementation is SQL-backed;
// tests use an in-memory double.
type Store interface {
	InsertOperation(ctx context.Context, op *core.SyncOperation) error
	InsertTransaction(ctx context.Context, tx *core.SyncTransaction) error
	GetOperation(ctx context.Context, id string) (*core.SyncOperation, error)
	GetTransaction(ctx context.Context, id string) (*core.SyncTransaction, error)
	UpdateOperation(ctx context.Context, op *core.SyncOperation) error

	// SettleOperation atomically accounts one finished child operation
	// against its transaction and returns the updated transaction. The
	// counter increment and the status decision happen in one statement so
	// concurrent workers never lose an update.
	SettleOperation(ctx context.Context, transactionID string, succeeded bool) (*core.SyncTransaction, error)

	// ClaimNext locks and marks in_progress the best claimable operation:
	// pending, or in_progress untouched for longer than staleAfter, ordered
	// by priority desc then created_at asc. Operations whose entity already
	// has one in flight for the same direction are skipped so per-entity
	// ordering holds across workers. Returns nil when the queue is empty.
	ClaimNext(ctx context.Context, staleAfter time.Duration) (*core.SyncOperation, error)

	// CancelPendingSiblings cancels pending/retry operations sharing the
	// transaction, except the named one. Returns how many were cancelled.
	CancelPendingSiblings(ctx context.Context, transactionID, exceptID, reason string) (int, error)

	// PromoteDueRetries moves retry operations whose next_retry_at has
	// passed back to pending.
	PromoteDueRetries(ctx context.Context, now time.Time) (int, error)

	// ResetFailed moves failed operations back to pending with a zero retry
	// count. entityType narrows the reset when non-empty.
	ResetFailed(ctx context.Context, entityType core.EntityType, limit int) (int, error)

	CountByStatus(ctx context.Context) (StatusCounts, error)
	OldestPending(ctx context.Context) (*time.Time, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditFor(ctx context.Context, operationID string) ([]AuditEntry, error)
}

// SQLStore is the Postgres-backed queue.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type opRow struct {
	ID                 string     `db:"id"`
	EntityType         string     `db:"entity_type"`
	EntityID           string     `db:"entity_id"`
	Direction          string     `db:"direction"`
	Data               []byte     `db:"data"`
	OriginalData       []byte     `db:"original_data"`
	Status             string     `db:"status"`
	Priority           int        `db:"priority"`
	RetryCount         int        `db:"retry_count"`
	MaxRetries         int        `db:"max_retries"`
	NextRetryAt        *time.Time `db:"next_retry_at"`
	TransactionID      *string    `db:"transaction_id"`
	DependsOn          *string    `db:"depends_on"`
	LegacyData         []byte     `db:"legacy_data"`
	ConflictResolution *string    `db:"conflict_resolution"`
	ResolvedData       []byte     `db:"resolved_data"`
	ResolvedBy         *string    `db:"resolved_by"`
	ErrorMessage       *string    `db:"error_message"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
	CompletedAt        *time.Time `db:"completed_at"`
}

func (r opRow) toOperation() (*core.SyncOperation, error) {
	op := &core.SyncOperation{
		ID:            r.ID,
		EntityType:    core.EntityType(r.EntityType),
		EntityID:      r.EntityID,
		Direction:     core.SyncDirection(r.Direction),
		Status:        core.SyncStatus(r.Status),
		Priority:      r.Priority,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		NextRetryAt:   r.NextRetryAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.TransactionID != nil {
		op.TransactionID = *r.TransactionID
	}
	if r.DependsOn != nil {
		op.DependsOn = *r.DependsOn
	}
	if r.ConflictResolution != nil {
		op.ConflictResolution = core.ConflictResolution(*r.ConflictResolution)
	}
	if r.ResolvedBy != nil {
		op.ResolvedBy = *r.ResolvedBy
	}
	if r.ErrorMessage != nil {
		op.ErrorMessage = *r.ErrorMessage
	}
	for _, pair := range []struct {
		raw []byte
		dst *map[string]interface{}
	}{
		{r.Data, &op.Data},
		{r.OriginalData, &op.OriginalData},
		{r.LegacyData, &op.LegacyData},
		{r.ResolvedData, &op.ResolvedData},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
	}
	return op, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

const opColumns = `id, entity_type, entity_id, direction, data, original_data,
	status, priority, retry_count, max_retries, next_retry_at, transaction_id,
	depends_on, legacy_data, conflict_resolution, resolved_data, resolved_by,
	error_message, created_at, updated_at, completed_at`

func (s *SQLStore) InsertOperation(ctx context.Context, op *core.SyncOperation) error {
	data, err := marshalMap(op.Data)
	if err != nil {
		return err
	}
	original, err := marshalMap(op.OriginalData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, entity_type, entity_id, direction, data,
			original_data, status, priority, retry_count, max_retries,
			transaction_id, depends_on, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			NULLIF($11, ''), NULLIF($12, ''), $13, $14)`,
		op.ID, op.EntityType, op.EntityID, op.Direction, data, original,
		op.Status, op.Priority, op.RetryCount, op.MaxRetries,
		op.TransactionID, op.DependsOn, op.CreatedAt, op.UpdatedAt)
	return err
}

func (s *SQLStore) InsertTransaction(ctx context.Context, tx *core.SyncTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_transactions (id, atomic, stop_on_error, operations_count,
			completed_count, failed_count, status, timeout_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID, tx.Atomic, tx.StopOnError, tx.OperationsCount,
		tx.CompletedCount, tx.FailedCount, tx.Status, tx.TimeoutSeconds, tx.CreatedAt)
	return err
}

func (s *SQLStore) GetOperation(ctx context.Context, id string) (*core.SyncOperation, error) {
	var row opRow
	err := s.db.GetContext(ctx, &row, `SELECT `+opColumns+` FROM sync_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DomainError{Op: "syncengine.GetOperation", Kind: "not_found", ID: id, Err: core.ErrNotFound}
	}
	if err != nil {
		return nil, err
	}
	return row.toOperation()
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*core.SyncTransaction, error) {
	var tx core.SyncTransaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT id, atomic, stop_on_error, operations_count, completed_count,
			failed_count, status, timeout_seconds, created_at
		FROM sync_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DomainError{Op: "syncengine.GetTransaction", Kind: "not_found", ID: id, Err: core.ErrNotFound}
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *SQLStore) UpdateOperation(ctx context.Context, op *core.SyncOperation) error {
	data, err := marshalMap(op.Data)
	if err != nil {
		return err
	}
	legacy, err := marshalMap(op.LegacyData)
	if err != nil {
		return err
	}
	resolved, err := marshalMap(op.ResolvedData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_operations SET
			data = $1, status = $2, retry_count = $3, next_retry_at = $4,
			legacy_data = $5, conflict_resolution = NULLIF($6, ''),
			resolved_data = $7, resolved_by = NULLIF($8, ''),
			error_message = NULLIF($9, ''), updated_at = $10, completed_at = $11
		WHERE id = $12`,
		data, op.Status, op.RetryCount, op.NextRetryAt,
		legacy, string(op.ConflictResolution),
		resolved, op.ResolvedBy,
		op.ErrorMessage, op.UpdatedAt, op.CompletedAt, op.ID)
	return err
}

// SettleOperation folds one child outcome into the transaction row. The
// single UPDATE row-locks the transaction, so the counters and the derived
// status are race-free under concurrent workers.
func (s *SQLStore) SettleOperation(ctx context.Context, transactionID string, succeeded bool) (*core.SyncTransaction, error) {
	succ, fail := 0, 1
	if succeeded {
		succ, fail = 1, 0
	}
	var tx core.SyncTransaction
	err := s.db.GetContext(ctx, &tx, `
		UPDATE sync_transactions SET
			completed_count = completed_count + $2,
			failed_count = failed_count + $3,
			status = CASE
				WHEN failed_count + $3 > 0 AND (atomic OR stop_on_error) THEN 'failed'
				WHEN completed_count + $2 + failed_count + $3 >= operations_count THEN
					CASE WHEN failed_count + $3 = 0 THEN 'completed' ELSE 'failed' END
				ELSE 'in_progress'
			END
		WHERE id = $1
		RETURNING id, atomic, stop_on_error, operations_count, completed_count,
			failed_count, status, timeout_seconds, created_at`,
		transactionID, succ, fail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DomainError{Op: "syncengine.SettleOperation", Kind: "not_found", ID: transactionID, Err: core.ErrNotFound}
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *SQLStore) ClaimNext(ctx context.Context, staleAfter time.Duration) (*core.SyncOperation, error) {
	now := time.Now().UTC()
	var row opRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE sync_operations SET status = 'in_progress', updated_at = $1
		WHERE id = (
			SELECT o.id FROM sync_operations o
			WHERE (o.status = 'pending'
			   OR (o.status = 'in_progress' AND o.updated_at < $2))
			  AND NOT EXISTS (
				SELECT 1 FROM sync_operations live
				WHERE live.entity_id = o.entity_id
				  AND live.direction = o.direction
				  AND live.status = 'in_progress'
				  AND live.updated_at >= $2
				  AND live.id <> o.id
			  )
			ORDER BY o.priority DESC, o.created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+opColumns, now, now.Add(-staleAfter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toOperation()
}

func (s *SQLStore) CancelPendingSiblings(ctx context.Context, transactionID, exceptID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'cancelled', error_message = $1, updated_at = $2
		WHERE transaction_id = $3 AND id <> $4 AND status IN ('pending', 'retry')`,
		reason, time.Now().UTC(), transactionID, exceptID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'pending', next_retry_at = NULL, updated_at = $1
		WHERE status = 'retry' AND next_retry_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) ResetFailed(ctx context.Context, entityType core.EntityType, limit int) (int, error) {
	query := `
		UPDATE sync_operations
		SET status = 'pending', retry_count = 0, error_message = NULL, updated_at = $1
		WHERE id IN (
			SELECT id FROM sync_operations
			WHERE status = 'failed' AND ($2 = '' OR entity_type = $2)
			ORDER BY created_at
			LIMIT $3
		)`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), string(entityType), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) CountByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT entity_type, status, COUNT(*) AS n
		FROM sync_operations GROUP BY entity_type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(StatusCounts)
	for rows.Next() {
		var entityType, status string
		var n int
		if err := rows.Scan(&entityType, &status, &n); err != nil {
			return nil, err
		}
		et := core.EntityType(entityType)
		if out[et] == nil {
			out[et] = make(map[core.SyncStatus]int)
		}
		out[et][core.SyncStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *SQLStore) OldestPending(ctx context.Context) (*time.Time, error) {
	var oldest time.Time
	err := s.db.GetContext(ctx, &oldest,
		`SELECT created_at FROM sync_operations WHERE status = 'pending' ORDER BY created_at LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &oldest, nil
}

func (s *SQLStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_audit_log (operation_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4)`,
		entry.OperationID, entry.Event, entry.Detail, entry.CreatedAt)
	return err
}

func (s *SQLStore) AuditFor(ctx context.Context, operationID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT operation_id, event, detail, created_at
		FROM sync_audit_log WHERE operation_id = $1 ORDER BY created_at`, operationID)
	return entries, err
}
