package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dispatch_history").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(ctx, db, DialectPostgres, 2, nil)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO dispatch_history \(id, action, entry_id, outcome, error_code, at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
		WithArgs("rec-1", "add", "e1", OutcomeOK, "", at.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM dispatch_history WHERE seq NOT IN \(SELECT seq FROM dispatch_history ORDER BY seq DESC LIMIT \$1\)`).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = s.Append(ctx, Record{ID: "rec-1", Action: "add", EntryID: "e1", Outcome: OutcomeOK, At: at})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "action", "entry_id", "outcome", "error_code", "at"}).
		AddRow("rec-1", "add", "e1", OutcomeOK, "", at.Format(time.RFC3339Nano))
	mock.ExpectQuery(`SELECT id, action, entry_id, outcome, error_code, at FROM dispatch_history ORDER BY seq DESC LIMIT \$1`).
		WithArgs(5).
		WillReturnRows(rows)

	recs, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "e1", recs[0].EntryID)
	assert.True(t, at.Equal(recs[0].At))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendGeneratesIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(ctx, db, DialectSQLite, 10, nil)
	require.NoError(t, err)
	s.WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })

	mock.ExpectExec(`INSERT INTO dispatch_history .* VALUES \(\?, \?, \?, \?, \?, \?\)`).
		WithArgs(sqlmock.AnyArg(), "remove", "gone", OutcomeFailed, "not_found", "2026-01-01T00:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM dispatch_history").WithArgs(10).WillReturnResult(sqlmock.NewResult(0, 0))

	r, err := s.Append(ctx, Record{Action: "remove", EntryID: "gone", Outcome: OutcomeFailed, ErrorCode: "not_found"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SQLiteRetention(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "history.db"), 3, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Append(ctx, Record{Action: "add", EntryID: id, Outcome: OutcomeOK})
		require.NoError(t, err)
	}

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "e", recs[0].EntryID)
	assert.Equal(t, "c", recs[2].EntryID)

	n, err := s.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", 1, nil)
	require.Error(t, err)
}
