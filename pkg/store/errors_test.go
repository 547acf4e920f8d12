package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/contracts"
)

// newMockStore wires a postgres-dialect store over a sqlmock handle so the
// rebind and RETURNING paths are exercised without a server.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db, driver: DriverPostgres}, mock
}

func TestRebindRewritesPlaceholdersForPostgres(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t,
		"SELECT 1 FROM run WHERE id = $1 AND tenant_id = $2",
		pg.rebind("SELECT 1 FROM run WHERE id = ? AND tenant_id = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t,
		"SELECT 1 FROM run WHERE id = ? AND tenant_id = ?",
		lite.rebind("SELECT 1 FROM run WHERE id = ? AND tenant_id = ?"))
}

func TestCreateRunUsesReturningOnPostgres(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING id")).
		WithArgs(int64(7), "default", "queued", "legacy", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	run, err := st.CreateRun(context.Background(), "default", 7, contracts.CompilerLegacy)
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.ID)
	assert.Equal(t, contracts.RunQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunWrapsDriverErrors(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM run WHERE id = $1 AND tenant_id = $2")).
		WithArgs(int64(9), "default").
		WillReturnError(errors.New("connection reset by peer"))

	_, err := st.GetRun(context.Background(), "default", 9)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestGetRunMapsNoRowsToNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("FROM run").
		WithArgs(int64(9), "default").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetRun(context.Background(), "default", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionRunLocksRowOnPostgres(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM run WHERE id = \$1 AND tenant_id = \$2 FOR UPDATE`).
		WithArgs(int64(3), "default").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued"))
	mock.ExpectExec("INSERT INTO run_event").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE run SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	moved, err := st.TransitionRun(context.Background(), "default", 3,
		[]contracts.RunStatus{contracts.RunQueued}, contracts.RunRunning,
		contracts.EventRunStarted, "")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRunRollsBackWhenEventInsertFails(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM run").
		WithArgs(int64(3), "default").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued"))
	mock.ExpectExec("INSERT INTO run_event").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := st.TransitionRun(context.Background(), "default", 3,
		[]contracts.RunStatus{contracts.RunQueued}, contracts.RunRunning,
		contracts.EventRunStarted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRunReportsLostClaimWithoutWrites(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM run").
		WithArgs(int64(3), "default").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectCommit()

	moved, err := st.TransitionRun(context.Background(), "default", 3,
		[]contracts.RunStatus{contracts.RunQueued}, contracts.RunRunning,
		contracts.EventRunStarted, "")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
