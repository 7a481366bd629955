package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/willibrandon/dbnav/internal/executor"
)

// DefaultMaxEntries is how many distinct statements are kept.
const DefaultMaxEntries = 1000

// HistoryEntry is one remembered statement.
type HistoryEntry struct {
	ID         int64
	Profile    string
	SQL        string
	Status     string
	ExecutedAt time.Time
	DurationMs int64
	RowCount   int64
	Error      string
	// Runs counts executions folded into this entry.
	Runs int64
}

// HistoryStore keeps statement history. It implements executor.Recorder.
type HistoryStore struct {
	db  *DB
	max int
}

// NewHistoryStore creates a history store keeping up to maxEntries
// statements.
func NewHistoryStore(db *DB, maxEntries int) *HistoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &HistoryStore{db: db, max: maxEntries}
}

// Fingerprint hashes a statement's structure. Statements differing only in
// literal values, case or whitespace share a fingerprint. Text the Postgres
// parser rejects is hashed with whitespace collapsed. Returns int64 for
// SQLite compatibility.
func Fingerprint(sqlText string) int64 {
	if fp, err := pg_query.FingerprintToUInt64(sqlText); err == nil {
		return int64(fp)
	}
	normalized := strings.Join(strings.Fields(sqlText), " ")
	return int64(pg_query.HashXXH3_64([]byte(normalized), 0))
}

// Record adds a finished statement with shell-style deduplication: a
// statement whose fingerprint is already known for the profile moves to the
// top instead of adding a row.
func (s *HistoryStore) Record(ctx context.Context, e executor.Entry) error {
	sqlText := strings.TrimSpace(e.SQL)
	if sqlText == "" {
		return nil
	}

	fp := Fingerprint(sqlText)
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	errText := ""
	if e.Err != nil {
		errText = e.Err.Error()
	}
	rows := e.Rows
	if rows == 0 {
		rows = e.Affected
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO statement_history (profile, fingerprint, query, status, executed_at, duration_ms, row_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile, fingerprint) DO UPDATE SET
			query = excluded.query,
			status = excluded.status,
			executed_at = excluded.executed_at,
			duration_ms = excluded.duration_ms,
			row_count = excluded.row_count,
			error = excluded.error,
			runs = runs + 1
	`, e.Profile, fp, sqlText, e.Status.String(), at, e.Duration.Milliseconds(), rows, errText)
	if err != nil {
		return err
	}

	_, err = s.db.conn.ExecContext(ctx, `
		DELETE FROM statement_history
		WHERE id NOT IN (
			SELECT id FROM statement_history
			ORDER BY executed_at DESC, id DESC
			LIMIT ?
		)
	`, s.max)
	return err
}

const historyColumns = `id, profile, query, status, executed_at, duration_ms, row_count, error, runs`

// Recent returns the most recent entries, newest first. An empty profile
// matches every profile.
func (s *HistoryStore) Recent(ctx context.Context, profile string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if profile == "" {
		rows, err = s.db.conn.QueryContext(ctx, `
			SELECT `+historyColumns+`
			FROM statement_history
			ORDER BY executed_at DESC, id DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.conn.QueryContext(ctx, `
			SELECT `+historyColumns+`
			FROM statement_history
			WHERE profile = ?
			ORDER BY executed_at DESC, id DESC
			LIMIT ?
		`, profile, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Search returns entries whose text contains query (case-insensitive).
func (s *HistoryStore) Search(ctx context.Context, query string, limit int) ([]HistoryEntry, error) {
	if query == "" {
		return s.Recent(ctx, "", limit)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM statement_history
		WHERE query LIKE ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?
	`, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]HistoryEntry, error) {
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Profile, &e.SQL, &e.Status, &e.ExecutedAt, &e.DurationMs, &e.RowCount, &e.Error, &e.Runs); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of history entries.
func (s *HistoryStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM statement_history").Scan(&count)
	return count, err
}

// Clear removes all history, or only the given profile's.
func (s *HistoryStore) Clear(ctx context.Context, profile string) error {
	if profile == "" {
		_, err := s.db.conn.ExecContext(ctx, "DELETE FROM statement_history")
		return err
	}
	_, err := s.db.conn.ExecContext(ctx, "DELETE FROM statement_history WHERE profile = ?", profile)
	return err
}
