package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockSink(t *testing.T) (*SQLSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLSink(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func TestSQLSinkInsertBatch(t *testing.T) {
	sink, mock := mockSink(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO legacy_orders \(amount, customer_id\) VALUES`)
	prep.ExpectExec().WithArgs(100.0, "c-1").WillReturnResult(sqlmock.NewResult(0, 1))
	// The second row has no amount; the union column binds NULL.
	prep.ExpectExec().WithArgs(nil, "c-2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := sink.InsertBatch(context.Background(), "legacy_orders", []map[string]interface{}{
		{"customer_id": "c-1", "amount": 100.0},
		{"customer_id": "c-2"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSinkInsertBatchRollsBackOnFailure(t *testing.T) {
	sink, mock := mockSink(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO legacy_orders`)
	prep.ExpectExec().WithArgs("c-1").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := sink.InsertBatch(context.Background(), "legacy_orders", []map[string]interface{}{
		{"customer_id": "c-1"},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSinkInsertBatchSkipsEmpty(t *testing.T) {
	sink, mock := mockSink(t)
	require.NoError(t, sink.InsertBatch(context.Background(), "legacy_orders", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
