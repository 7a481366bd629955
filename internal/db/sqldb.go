package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// sqlTransport adapts one database/sql connection. The *sql.DB is capped at
// a single connection so the transport maps onto one server session.
type sqlTransport struct {
	db      *sql.DB
	conn    *sql.Conn
	version string

	closed atomic.Bool

	mu          sync.Mutex
	cancelQuery context.CancelFunc
}

func openSQLTransport(ctx context.Context, db *sql.DB, versionQuery string) (*sqlTransport, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	t := &sqlTransport{db: db, conn: conn}
	if versionQuery != "" {
		if err := conn.QueryRowContext(ctx, versionQuery).Scan(&t.version); err != nil {
			conn.Close()
			db.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *sqlTransport) Query(ctx context.Context, query string, args ...any) (Cursor, error) {
	if t.closed.Load() {
		return nil, sql.ErrConnDone
	}

	qctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelQuery = cancel
	t.mu.Unlock()

	rows, err := t.conn.QueryContext(qctx, query, args...)
	if err != nil {
		t.clearCancel()
		cancel()
		return nil, err
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		t.clearCancel()
		cancel()
		return nil, err
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{Name: ct.Name(), TypeName: strings.ToLower(ct.DatabaseTypeName())}
	}

	return &sqlCursor{rows: rows, cols: cols, done: func() {
		t.clearCancel()
		cancel()
	}}, nil
}

func (t *sqlTransport) clearCancel() {
	t.mu.Lock()
	t.cancelQuery = nil
	t.mu.Unlock()
}

func (t *sqlTransport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return sql.ErrConnDone
	}
	return t.conn.PingContext(ctx)
}

// Abort interrupts the running query and closes the connection in the
// background once database/sql releases it.
func (t *sqlTransport) Abort() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	cancel := t.cancelQuery
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	go func() {
		_ = t.conn.Raw(func(driverConn any) error { return errBadConnMarker })
		_ = t.conn.Close()
		_ = t.db.Close()
	}()
	return nil
}

func (t *sqlTransport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.conn.Close()
	if dbErr := t.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

func (t *sqlTransport) IsClosed() bool { return t.closed.Load() }

func (t *sqlTransport) ServerVersion() string { return t.version }

// errBadConnMarker is returned from Conn.Raw so database/sql discards the
// underlying driver connection instead of pooling it.
var errBadConnMarker = fmt.Errorf("connection aborted: %w", driver.ErrBadConn)

type sqlCursor struct {
	rows     *sql.Rows
	cols     []Column
	done     func()
	affected int64
}

func (c *sqlCursor) Columns() []Column { return c.cols }

func (c *sqlCursor) Next() bool { return c.rows.Next() }

func (c *sqlCursor) Values() ([]any, error) {
	raw := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to read row values: %w", err)
	}
	for i, v := range raw {
		if b, ok := v.([]byte); ok && !isBinaryType(c.cols[i].TypeName) {
			raw[i] = string(b)
		}
	}
	return raw, nil
}

func isBinaryType(name string) bool {
	return strings.Contains(name, "blob") || strings.Contains(name, "binary") || name == "bit"
}

func (c *sqlCursor) Err() error { return c.rows.Err() }

func (c *sqlCursor) Close() error {
	err := c.rows.Close()
	if err == nil {
		err = c.rows.Err()
	}
	c.done()
	return err
}

// RowsAffected is not reported through database/sql rows.
func (c *sqlCursor) RowsAffected() int64 { return c.affected }
