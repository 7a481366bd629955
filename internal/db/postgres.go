package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
)

func init() {
	Register(PostgresDriver{})
}

// PostgresDriver speaks the native Postgres protocol through pgx.
type PostgresDriver struct {
	// CancelDeadline is how long after a context cancel the server gets to
	// honour the cancel request before the socket deadline fires.
	CancelDeadline time.Duration
}

// Name implements Driver.
func (PostgresDriver) Name() profile.Driver { return profile.DriverPostgres }

// Open implements Driver.
func (d PostgresDriver) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	cfg, err := pgx.ParseConfig(postgresURL(ep))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if ep.ConnectTimeout > 0 {
		cfg.ConnectTimeout = ep.ConnectTimeout
	}
	cfg.RuntimeParams["application_name"] = "dbnav"
	if ep.ReadOnly {
		cfg.RuntimeParams["default_transaction_read_only"] = "on"
	}

	deadline := d.CancelDeadline
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	// Cancelling a query context sends a server-side cancel request and keeps
	// the connection usable; the socket deadline only fires if the server
	// does not respond.
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.CancelRequestContextWatcherHandler{
			Conn:          pgConn,
			DeadlineDelay: deadline,
		}
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &pgTransport{conn: conn}, nil
}

func postgresURL(ep Endpoint) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(ep.User, ep.Password),
		Host:   net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Path:   "/" + ep.Database,
	}
	if ep.Password == "" {
		u.User = url.User(ep.User)
	}
	q := url.Values{}
	if ep.SSLMode != "" {
		q.Set("sslmode", ep.SSLMode)
	}
	for k, v := range ep.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Classify implements Driver.
func (PostgresDriver) Classify(err error) dberr.Kind {
	if err == nil {
		return dberr.KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "28":
			return dberr.KindAuthentication
		case pgErr.Code == "57014": // query_canceled
			return dberr.KindCancelled
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08",
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return dberr.KindConnection
		default:
			return dberr.KindQuery
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return dberr.KindTimeout
	case errors.Is(err, context.Canceled):
		return dberr.KindCancelled
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return dberr.KindConnection
	}
	if pgconn.Timeout(err) {
		return dberr.KindTimeout
	}
	return dberr.KindQuery
}

type pgTransport struct {
	conn    *pgx.Conn
	aborted atomic.Bool
}

func (t *pgTransport) Query(ctx context.Context, sql string, args ...any) (Cursor, error) {
	rows, err := t.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgCursor{rows: rows, typeMap: t.conn}, nil
}

func (t *pgTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

// Abort closes the socket under pgx; the next operation fails.
func (t *pgTransport) Abort() error {
	t.aborted.Store(true)
	return t.conn.PgConn().Conn().Close()
}

func (t *pgTransport) Close(ctx context.Context) error {
	return t.conn.Close(ctx)
}

func (t *pgTransport) IsClosed() bool {
	return t.aborted.Load() || t.conn.IsClosed()
}

func (t *pgTransport) ServerVersion() string {
	return t.conn.PgConn().ParameterStatus("server_version")
}

type pgCursor struct {
	rows    pgx.Rows
	typeMap *pgx.Conn
	cols    []Column
}

func (c *pgCursor) Columns() []Column {
	if c.cols != nil {
		return c.cols
	}
	fields := c.rows.FieldDescriptions()
	c.cols = make([]Column, len(fields))
	for i, fd := range fields {
		typeName := fmt.Sprintf("oid:%d", fd.DataTypeOID)
		if typ, ok := c.typeMap.TypeMap().TypeForOID(fd.DataTypeOID); ok {
			typeName = typ.Name
		}
		c.cols[i] = Column{Name: fd.Name, TypeName: typeName}
	}
	return c.cols
}

func (c *pgCursor) Next() bool { return c.rows.Next() }

func (c *pgCursor) Values() ([]any, error) {
	values, err := c.rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read row values: %w", err)
	}
	// Make a copy of values since they may be reused
	row := make([]any, len(values))
	copy(row, values)
	return row, nil
}

func (c *pgCursor) Err() error { return c.rows.Err() }

func (c *pgCursor) Close() error {
	c.rows.Close()
	return c.rows.Err()
}

func (c *pgCursor) RowsAffected() int64 {
	return c.rows.CommandTag().RowsAffected()
}
