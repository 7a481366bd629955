// Package executor runs statements on leased sessions and streams their
// rows through a bounded prefetch window.
package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/metrics"
	"github.com/willibrandon/dbnav/internal/pool"
)

// Entry describes one finished statement.
type Entry struct {
	Profile  string
	SQL      string
	Status   db.Status
	Rows     int64
	Affected int64
	Duration time.Duration
	Err      error
	At       time.Time
}

// Recorder stores finished statements.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Options configures an Executor.
type Options struct {
	// Prefetch is the number of rows buffered ahead of the consumer.
	Prefetch int
	// DefaultTimeout applies when Run is given no timeout.
	DefaultTimeout time.Duration
	// Recorder, when set, receives every finished statement.
	Recorder Recorder
}

// Stats summarizes finished statements.
type Stats struct {
	Active    int
	Completed int64
	Failed    int64
	Cancelled int64
	Latency   metrics.LatencySnapshot
}

// Executor starts statements and tracks the running ones.
type Executor struct {
	opts    Options
	latency *metrics.Latency

	mu     sync.Mutex
	active map[string]*RowStream

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 256
	}
	return &Executor{
		opts:    opts,
		latency: metrics.NewLatency(metrics.DefaultRingCapacity),
		active:  make(map[string]*RowStream),
	}
}

// Run starts sql on the lease's session and returns its row stream. The
// stream owns the lease from here on and releases it exactly once, when the
// statement is terminal. If the statement cannot start the lease is
// released before Run returns.
func (e *Executor) Run(ctx context.Context, lease *pool.Lease, sql string, params []any, timeout time.Duration) (*RowStream, error) {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	start := time.Now()

	st, err := lease.Session().Execute(ctx, sql, params, timeout)
	if err != nil {
		lease.Release()
		if ctx.Err() != nil {
			err = dberr.FromContext("execute", lease.Profile().ID(), ctx.Err())
		}
		e.record(Entry{
			Profile:  lease.Profile().ID(),
			SQL:      sql,
			Status:   db.StatusFailed,
			Duration: time.Since(start),
			Err:      err,
			At:       start,
		})
		return nil, err
	}

	rs := &RowStream{
		exec:  e,
		lease: lease,
		stmt:  st,
		log:   logger.With("profile", lease.Profile().ID(), "statement", st.ID()[:8]),
		rows:  make(chan []any, e.opts.Prefetch),
		done:  make(chan struct{}),
	}

	e.mu.Lock()
	e.active[st.ID()] = rs
	e.mu.Unlock()

	go rs.produce()
	return rs, nil
}

// Cancel cancels the running statement with the given ID. It reports
// whether such a statement was running.
func (e *Executor) Cancel(ctx context.Context, statementID string) bool {
	e.mu.Lock()
	rs := e.active[statementID]
	e.mu.Unlock()
	if rs == nil {
		return false
	}
	_ = rs.Cancel(ctx)
	return true
}

// Running returns the streams whose statements have not finished, oldest
// first.
func (e *Executor) Running() []*RowStream {
	e.mu.Lock()
	out := make([]*RowStream, 0, len(e.active))
	for _, rs := range e.active {
		out = append(out, rs)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].stmt.Duration() > out[j].stmt.Duration()
	})
	return out
}

// Stats returns counters and latency of finished statements.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()
	return Stats{
		Active:    active,
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Latency:   e.latency.Snapshot(),
	}
}

func (e *Executor) finished(rs *RowStream) {
	st := rs.stmt
	e.mu.Lock()
	delete(e.active, st.ID())
	e.mu.Unlock()

	switch st.Status() {
	case db.StatusCompleted:
		e.completed.Add(1)
		e.latency.Observe(st.Duration())
	case db.StatusCancelled:
		e.cancelled.Add(1)
	default:
		e.failed.Add(1)
	}

	e.record(Entry{
		Profile:  rs.lease.Profile().ID(),
		SQL:      st.SQL(),
		Status:   st.Status(),
		Rows:     st.RowsRead(),
		Affected: st.RowsAffected(),
		Duration: st.Duration(),
		Err:      st.Err(),
		At:       time.Now().Add(-st.Duration()),
	})
}

const recordTimeout = 5 * time.Second

func (e *Executor) record(entry Entry) {
	if e.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := e.opts.Recorder.Record(ctx, entry); err != nil {
		logger.Warn("Failed to record statement history", "profile", entry.Profile, "error", err)
	}
}

// RowStream delivers a statement's rows. Next, NextBatch and All belong to
// one consumer; Cancel and Close may be called from any goroutine.
type RowStream struct {
	exec  *Executor
	lease *pool.Lease
	stmt  *db.Statement
	log   *slog.Logger

	rows chan []any
	done chan struct{}
	err  error

	closeOnce sync.Once
}

// produce drives the statement, feeding rows into the prefetch window until
// the result is exhausted or the statement is interrupted.
func (rs *RowStream) produce() {
	st := rs.stmt
	var valueErr error

produce:
	for st.Next() {
		vals, err := st.Values()
		if err != nil {
			valueErr = err
			break
		}
		select {
		case rs.rows <- vals:
		case <-st.Interrupted():
			break produce
		}
	}

	err := st.Finish()
	if err == nil && valueErr != nil {
		err = dberr.New(dberr.KindQuery, "fetch rows", rs.lease.Profile().ID(), valueErr)
	}
	rs.err = err

	rs.lease.Release()
	rs.exec.finished(rs)
	close(rs.rows)
	close(rs.done)

	rs.log.Debug("Statement finished",
		"status", st.Status().String(),
		"rows", st.RowsRead(),
		"duration", st.Duration(),
	)
}

// Statement returns the underlying statement.
func (rs *RowStream) Statement() *db.Statement { return rs.stmt }

// ID returns the statement ID.
func (rs *RowStream) ID() string { return rs.stmt.ID() }

// Profile returns the ID of the profile the statement runs on.
func (rs *RowStream) Profile() string { return rs.lease.Profile().ID() }

// Columns describes the result columns.
func (rs *RowStream) Columns() []db.Column { return rs.stmt.Columns() }

// ColumnNames returns the result column names in order.
func (rs *RowStream) ColumnNames() []string {
	cols := rs.stmt.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Done is closed once the statement is terminal and the lease released.
func (rs *RowStream) Done() <-chan struct{} { return rs.done }

// Err returns the terminal error once Done is closed.
func (rs *RowStream) Err() error {
	select {
	case <-rs.done:
		return rs.err
	default:
		return nil
	}
}

// ErrEndOfRows is returned by Next and NextBatch once every row has been
// delivered and the statement completed.
var ErrEndOfRows = errors.New("end of rows")

// Next returns the next row. At the end of a completed statement it returns
// ErrEndOfRows; a failed or cancelled statement yields its terminal error
// after the buffered rows.
func (rs *RowStream) Next(ctx context.Context) ([]any, error) {
	select {
	case row, ok := <-rs.rows:
		if ok {
			return row, nil
		}
		if rs.err != nil {
			return nil, rs.err
		}
		return nil, ErrEndOfRows
	case <-ctx.Done():
		return nil, dberr.FromContext("fetch rows", rs.Profile(), ctx.Err())
	}
}

// NextBatch returns up to n rows. A short batch is returned when the result
// ends; the call after that returns ErrEndOfRows or the terminal error.
func (rs *RowStream) NextBatch(ctx context.Context, n int) ([][]any, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	batch := make([][]any, 0, n)
	for len(batch) < n {
		row, err := rs.Next(ctx)
		if err != nil {
			if len(batch) > 0 && errors.Is(err, ErrEndOfRows) {
				return batch, nil
			}
			return nil, err
		}
		batch = append(batch, row)
	}
	return batch, nil
}

// All iterates the remaining rows. Iteration stops at the first error,
// which is yielded with a nil row; the end of rows is not an error.
// Stopping early cancels the statement.
func (rs *RowStream) All(ctx context.Context) iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		for {
			row, err := rs.Next(ctx)
			if errors.Is(err, ErrEndOfRows) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				_ = rs.Close()
				return
			}
		}
	}
}

// Cancel stops the statement and waits until the lease is released. On
// return the session is Idle or Broken.
func (rs *RowStream) Cancel(ctx context.Context) error {
	if err := rs.stmt.Cancel(ctx); err != nil {
		return err
	}
	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return dberr.FromContext("cancel", rs.Profile(), ctx.Err())
	}
}

// Close cancels the statement if it is still running, discards buffered
// rows and waits for the lease to be released. It is idempotent.
func (rs *RowStream) Close() error {
	rs.closeOnce.Do(func() {
		_ = rs.stmt.Cancel(context.Background())
		<-rs.done
		for range rs.rows {
		}
	})
	return nil
}
