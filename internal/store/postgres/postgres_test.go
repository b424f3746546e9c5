package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalsd/internal/store"
)

// newMockStore builds a pgStore directly around a sqlmock connection,
// bypassing Open's real DSN dial and schema bootstrap (grounded on the
// teacher's tests/unit/infrastructure/db/connection_test.go pattern of
// injecting sqlx.NewDb(mockDB, ...) into the production struct).
func newMockStore(t *testing.T) (*pgStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return &pgStore{db: db, timeout: 5 * time.Second, ensured: make(map[string]bool)}, mock
}

func TestSaveKV_ExecutesInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO kv_store (namespace, key, value_num) VALUES ($1, $2, $3)`).
		WithArgs("fusion_scores", "BTC", 66.2).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveKV(context.Background(), "fusion_scores", "BTC", 66.2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadKV_ReturnsValueFromRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value_num FROM kv_store WHERE namespace = $1 AND key = $2 AND value_num IS NOT NULL ORDER BY id DESC LIMIT 1`).
		WithArgs("fusion_scores", "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"value_num"}).AddRow(66.2))

	v, ok, err := s.LoadKV(context.Background(), "fusion_scores", "BTC")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 66.2, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadKV_NoRowsReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value_num FROM kv_store WHERE namespace = $1 AND key = $2 AND value_num IS NOT NULL ORDER BY id DESC LIMIT 1`).
		WithArgs("fusion_scores", "ETH").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := s.LoadKV(context.Background(), "fusion_scores", "ETH")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// SavePerformanceAccuracy's ON CONFLICT (snapshot_id, window_hours) DO
// NOTHING clause reports zero rows affected on a duplicate evaluation;
// the flag-flip UPDATE must not run in that case.
func TestSavePerformanceAccuracy_DuplicateWindowIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`
		INSERT INTO performance_accuracy (snapshot_id, window_hours, price_at_window, direction_correct)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id, window_hours) DO NOTHING`).
		WithArgs(int64(42), 24, 110.0, true).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.SavePerformanceAccuracy(context.Background(), store.PerformanceAccuracy{
		SnapshotID: 42, WindowHours: 24, PriceAtWindow: 110.0, DirectionCorrect: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no UPDATE should run when the insert affected zero rows")
}

func TestSavePerformanceAccuracy_NewRowFlipsEvaluatedFlag(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`
		INSERT INTO performance_accuracy (snapshot_id, window_hours, price_at_window, direction_correct)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id, window_hours) DO NOTHING`).
		WithArgs(int64(7), 24, 105.0, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE performance_snapshots SET evaluated_24h = true WHERE id = $1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SavePerformanceAccuracy(context.Background(), store.PerformanceAccuracy{
		SnapshotID: 7, WindowHours: 24, PriceAtWindow: 105.0, DirectionCorrect: false,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var _ store.Store = (*pgStore)(nil)
