// Package dbtest provides an in-memory db.Driver whose results, failures and
// blocking behaviour are scripted by tests.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/profile"
)

// Scripted errors the fake driver classifies.
var (
	ErrConnReset = errors.New("connection reset by peer")
	ErrAuth      = errors.New("password authentication failed")
	ErrRefused   = errors.New("connection refused")
)

// Result scripts the outcome of one query.
type Result struct {
	Columns []db.Column
	Rows    [][]any
	// Err is returned after Rows are consumed.
	Err error
	// BlockAfter > 0 makes the cursor block before row BlockAfter+1 (1-based)
	// until the query context ends. BlockAfter < 0 blocks before the first row.
	BlockAfter int
	// IgnoreCancel keeps a blocked cursor blocked until the transport is
	// aborted, like a server that never honours a cancel request.
	IgnoreCancel bool
	Affected     int64
}

// Driver is a scripted db.Driver.
type Driver struct {
	DriverName profile.Driver

	mu      sync.Mutex
	results map[string]*Result
	// QueryFunc, when set, takes precedence over registered results.
	QueryFunc func(ctx context.Context, sql string, args []any) (*Result, error)
	// OpenFunc, when set, runs before every open and may fail it.
	OpenFunc func(ctx context.Context, ep db.Endpoint) error
	// PingErr is returned by pings on every transport.
	PingErr error

	opens      atomic.Int32
	transports []*Transport
}

// NewDriver returns a driver reporting name.
func NewDriver(name profile.Driver) *Driver {
	return &Driver{DriverName: name, results: make(map[string]*Result)}
}

// On registers the result for sql.
func (d *Driver) On(sql string, r *Result) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[sql] = r
	return d
}

// Opens returns how many transports were opened.
func (d *Driver) Opens() int { return int(d.opens.Load()) }

// Transports returns every transport opened so far.
func (d *Driver) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}

// Name implements db.Driver.
func (d *Driver) Name() profile.Driver {
	if d.DriverName == "" {
		return profile.DriverPostgres
	}
	return d.DriverName
}

// Open implements db.Driver.
func (d *Driver) Open(ctx context.Context, ep db.Endpoint) (db.Transport, error) {
	if d.OpenFunc != nil {
		if err := d.OpenFunc(ctx, ep); err != nil {
			return nil, err
		}
	}
	d.opens.Add(1)
	t := &Transport{driver: d, Endpoint: ep, aborted: make(chan struct{})}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// Classify implements db.Driver.
func (d *Driver) Classify(err error) dberr.Kind {
	switch {
	case err == nil:
		return dberr.KindUnknown
	case errors.Is(err, ErrConnReset), errors.Is(err, ErrRefused):
		return dberr.KindConnection
	case errors.Is(err, ErrAuth):
		return dberr.KindAuthentication
	case errors.Is(err, context.DeadlineExceeded):
		return dberr.KindTimeout
	case errors.Is(err, context.Canceled):
		return dberr.KindCancelled
	default:
		return dberr.KindQuery
	}
}

func (d *Driver) resultFor(ctx context.Context, sql string, args []any) (*Result, error) {
	if d.QueryFunc != nil {
		return d.QueryFunc(ctx, sql, args)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[sql]
	if !ok {
		return nil, fmt.Errorf("syntax error at or near %q", sql)
	}
	return r, nil
}

// Transport is a fake connection.
type Transport struct {
	driver   *Driver
	Endpoint db.Endpoint

	closed    atomic.Bool
	abortOnce sync.Once
	aborted   chan struct{}
	queries   atomic.Int32
	pings     atomic.Int32
}

// Queries returns how many queries were started.
func (t *Transport) Queries() int { return int(t.queries.Load()) }

// Pings returns how many pings were issued.
func (t *Transport) Pings() int { return int(t.pings.Load()) }

// Aborted reports whether Abort was called.
func (t *Transport) Aborted() bool {
	select {
	case <-t.aborted:
		return true
	default:
		return false
	}
}

// Kill simulates the server dropping the connection.
func (t *Transport) Kill() { _ = t.Abort() }

func (t *Transport) Query(ctx context.Context, sql string, args ...any) (db.Cursor, error) {
	if t.IsClosed() {
		return nil, ErrConnReset
	}
	t.queries.Add(1)
	r, err := t.driver.resultFor(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	return &Cursor{t: t, ctx: ctx, r: r}, nil
}

func (t *Transport) Ping(ctx context.Context) error {
	t.pings.Add(1)
	if t.IsClosed() {
		return ErrConnReset
	}
	return t.driver.PingErr
}

func (t *Transport) Abort() error {
	t.closed.Store(true)
	t.abortOnce.Do(func() { close(t.aborted) })
	return nil
}

func (t *Transport) Close(ctx context.Context) error {
	t.closed.Store(true)
	return nil
}

func (t *Transport) IsClosed() bool { return t.closed.Load() }

func (t *Transport) ServerVersion() string { return "fake 1.0" }

// Cursor iterates a scripted Result.
type Cursor struct {
	t   *Transport
	ctx context.Context
	r   *Result
	i   int
	cur []any
	err error
}

func (c *Cursor) Columns() []db.Column { return c.r.Columns }

func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.t.IsClosed() {
		c.err = ErrConnReset
		return false
	}

	block := (c.r.BlockAfter < 0 && c.i == 0) || (c.r.BlockAfter > 0 && c.i == c.r.BlockAfter)
	if block {
		if c.r.IgnoreCancel {
			<-c.t.aborted
			c.err = ErrConnReset
			return false
		}
		select {
		case <-c.ctx.Done():
			c.err = c.ctx.Err()
		case <-c.t.aborted:
			c.err = ErrConnReset
		}
		return false
	}

	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.i >= len(c.r.Rows) {
		c.err = c.r.Err
		return false
	}
	c.cur = c.r.Rows[c.i]
	c.i++
	return true
}

func (c *Cursor) Values() ([]any, error) {
	row := make([]any, len(c.cur))
	copy(row, c.cur)
	return row, nil
}

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Close() error { return nil }

func (c *Cursor) RowsAffected() int64 { return c.r.Affected }

// Rows builds n rows of (id, name).
func Rows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1), fmt.Sprintf("row-%d", i+1)}
	}
	return rows
}

// IDNameColumns are the columns produced by Rows.
var IDNameColumns = []db.Column{{Name: "id", TypeName: "int8"}, {Name: "name", TypeName: "text"}}
