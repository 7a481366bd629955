package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
)

func openSQLite(t *testing.T, path string, readOnly bool) *db.Session {
	t.Helper()
	p := &profile.Profile{Name: "local", Driver: profile.DriverSQLite, Database: path, ReadOnly: readOnly}
	s, err := db.Open(context.Background(), p, db.OpenOptions{Retry: fastRetry(), CancelGrace: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := openSQLite(t, ":memory:", false)
	ctx := context.Background()

	assert.NotEmpty(t, s.ServerVersion())

	_, err := s.Collect(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, body BLOB)")
	require.NoError(t, err)
	_, err = s.Collect(ctx, "INSERT INTO items (name, body) VALUES (?, ?), (?, ?)", "alpha", []byte{1}, "beta", []byte{2})
	require.NoError(t, err)

	st, err := s.Execute(ctx, "SELECT id, name, body FROM items ORDER BY id", nil, 0)
	require.NoError(t, err)
	cols := st.Columns()
	require.Len(t, cols, 3)
	assert.Equal(t, "name", cols[1].Name)
	assert.Equal(t, "text", cols[1].TypeName)

	rows := drain(t, st)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "beta", rows[1][1])
	assert.Equal(t, []byte{2}, rows[1][2])
	assert.Equal(t, db.StatusCompleted, st.Status())
	assert.Equal(t, db.StateIdle, s.State())
}

func TestSQLiteTimeoutInterruptsAndKeepsSession(t *testing.T) {
	s := openSQLite(t, ":memory:", false)
	ctx := context.Background()

	const forever = "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c"
	st, err := s.Execute(ctx, forever, nil, 100*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	drain(t, st)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, db.StatusCancelled, st.Status())
	assert.ErrorIs(t, st.Err(), dberr.ErrTimeout)
	assert.Equal(t, db.StateIdle, s.State())

	rows, err := s.Collect(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1)}}, rows)
}

func TestSQLiteReadOnlyProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	rw := openSQLite(t, path, false)
	_, err := rw.Collect(context.Background(), "CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro := openSQLite(t, path, true)
	_, err = ro.Collect(context.Background(), "INSERT INTO t VALUES (1)")
	assert.ErrorIs(t, err, dberr.ErrQuery)

	rows, err := ro.Collect(context.Background(), "SELECT count(*) FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0][0])
}

func TestSQLiteMissingFileIsConnectionError(t *testing.T) {
	p := &profile.Profile{
		Name:     "missing",
		Driver:   profile.DriverSQLite,
		Database: filepath.Join(t.TempDir(), "nope", "app.db"),
	}
	_, err := db.Open(context.Background(), p, db.OpenOptions{Retry: fastRetry()})
	assert.ErrorIs(t, err, dberr.ErrConnection)
}
