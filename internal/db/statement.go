package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/willibrandon/dbnav/internal/dberr"
)

// Status is a statement's execution state.
type Status int32

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	errCancelRequested = errors.New("statement cancelled")
	errStatementTimeout = errors.New("statement timeout")
)

// Statement is one execution bound to a session for its whole lifetime.
//
// Next, Values and Finish belong to a single consumer. Cancel may be called
// from any goroutine at any time.
type Statement struct {
	id      string
	sql     string
	session *Session
	timeout time.Duration
	started time.Time

	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimeout context.CancelFunc

	cursor Cursor
	status atomic.Int32
	done   chan struct{}

	// iterMu is held by whoever is driving the cursor.
	iterMu    sync.Mutex
	exhausted bool
	finished  bool
	rowsRead  int64

	mu       sync.Mutex
	err      error
	affected int64
	ended    time.Time
}

func newStatement(s *Session, sql string, timeout time.Duration) *Statement {
	base, cancel := context.WithCancelCause(context.Background())
	ctx, stopTimeout := base, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, stopTimeout = context.WithTimeoutCause(base, timeout, errStatementTimeout)
	}
	return &Statement{
		id:          uuid.NewString(),
		sql:         sql,
		session:     s,
		timeout:     timeout,
		started:     time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		stopTimeout: stopTimeout,
		done:        make(chan struct{}),
	}
}

// ID returns the statement identifier.
func (st *Statement) ID() string { return st.id }

// SQL returns the statement text.
func (st *Statement) SQL() string { return st.sql }

// Session returns the session the statement runs on.
func (st *Statement) Session() *Session { return st.session }

// Status returns the current execution state.
func (st *Statement) Status() Status { return Status(st.status.Load()) }

// Done is closed once the statement is terminal and its session reconciled.
func (st *Statement) Done() <-chan struct{} { return st.done }

// Interrupted is closed as soon as cancellation or timeout is requested.
func (st *Statement) Interrupted() <-chan struct{} { return st.ctx.Done() }

// Columns describes the result columns.
func (st *Statement) Columns() []Column {
	if st.cursor == nil {
		return nil
	}
	return st.cursor.Columns()
}

// RowsRead returns how many rows the consumer has fetched.
func (st *Statement) RowsRead() int64 {
	st.iterMu.Lock()
	defer st.iterMu.Unlock()
	return st.rowsRead
}

// RowsAffected is the server-reported count once terminal.
func (st *Statement) RowsAffected() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.affected
}

// Duration is the execution time so far, or in total once terminal.
func (st *Statement) Duration() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended.IsZero() {
		return time.Since(st.started)
	}
	return st.ended.Sub(st.started)
}

// Err returns the terminal error, nil while running or on completion.
func (st *Statement) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Next advances to the next row. It returns false once the result is
// exhausted, failed, or the statement was cancelled; the statement is then
// terminal.
func (st *Statement) Next() bool {
	st.iterMu.Lock()
	defer st.iterMu.Unlock()

	if st.finished {
		return false
	}
	if st.cursor.Next() {
		st.rowsRead++
		return true
	}
	st.exhausted = true
	st.finishLocked()
	return false
}

// Values returns the current row. The slice is owned by the caller.
func (st *Statement) Values() ([]any, error) {
	st.iterMu.Lock()
	defer st.iterMu.Unlock()
	if st.finished {
		return nil, errors.New("statement is finished")
	}
	return st.cursor.Values()
}

// Finish ends the statement, cancelling it first if rows remain, and
// returns the terminal error.
func (st *Statement) Finish() error {
	st.iterMu.Lock()
	if !st.finished {
		if !st.exhausted {
			st.cancel(errCancelRequested)
		}
		st.finishLocked()
	}
	st.iterMu.Unlock()
	return st.Err()
}

// interrupt requests cancellation without waiting.
func (st *Statement) interrupt() {
	st.cancel(errCancelRequested)
}

// Cancel stops the statement. When it returns the statement is terminal
// and the session is Idle or Broken. If the driver cannot stop the statement
// within the session's cancel grace (or before ctx ends), the connection is
// aborted and the session marked Broken.
func (st *Statement) Cancel(ctx context.Context) error {
	if st.Status() != StatusRunning {
		return nil
	}
	st.cancel(errCancelRequested)

	// A consumer blocked in Next wakes on the cancelled context and
	// finishes the statement itself; otherwise finish it here once the
	// start or the current fetch lets go of the cursor.
	go func() {
		st.iterMu.Lock()
		if !st.finished {
			st.finishLocked()
		}
		st.iterMu.Unlock()
	}()

	timer := time.NewTimer(st.session.cancelGrace)
	defer timer.Stop()

	select {
	case <-st.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	cause := fmt.Errorf("statement did not stop within %s", st.session.cancelGrace)
	st.session.abort(cause)
	st.setTerminal(StatusCancelled, dberr.New(dberr.KindCancelled, "cancel", st.session.profile.ID(), cause))
	return nil
}

// failLocked terminates a statement whose query could not be started.
// iterMu must be held.
func (st *Statement) failLocked(err error) {
	st.finished = true
	st.reconcile(err, false)
}

// finishLocked closes the cursor and reconciles. iterMu must be held.
func (st *Statement) finishLocked() {
	st.finished = true

	iterErr := st.cursor.Err()
	closeErr := st.cursor.Close()
	if iterErr == nil {
		iterErr = closeErr
	}

	st.mu.Lock()
	st.affected = st.cursor.RowsAffected()
	st.mu.Unlock()

	st.reconcile(iterErr, st.exhausted)
}

// reconcile decides the terminal status and the session's next state.
func (st *Statement) reconcile(err error, exhausted bool) {
	s := st.session
	profileID := s.profile.ID()
	cause := context.Cause(st.ctx)

	var (
		status Status
		final  error
		kind   dberr.Kind
	)
	switch {
	case err == nil && exhausted:
		status = StatusCompleted
	case errors.Is(cause, errStatementTimeout):
		status = StatusCancelled
		kind = dberr.KindTimeout
		final = dberr.New(kind, "execute", profileID, fmt.Errorf("statement exceeded timeout of %s", st.timeout))
	case errors.Is(cause, errCancelRequested):
		status = StatusCancelled
		kind = dberr.KindCancelled
		final = dberr.New(kind, "execute", profileID, errCancelRequested)
	case err != nil:
		status = StatusFailed
		kind = s.driver.Classify(err)
		switch kind {
		case dberr.KindUnknown, dberr.KindCancelled, dberr.KindTimeout:
			kind = dberr.KindQuery
		}
		final = dberr.New(kind, "execute", profileID, err)
	default:
		status = StatusCompleted
	}

	broken := s.transport.IsClosed()
	if err != nil && s.driver.Classify(err) == dberr.KindConnection {
		broken = true
	}
	if !broken && status == StatusCancelled && !exhausted {
		// The connection must still answer after an interrupted statement.
		pctx, cancel := context.WithTimeout(context.Background(), s.cancelGrace)
		if perr := s.transport.Ping(pctx); perr != nil {
			broken = true
			err = perr
		}
		cancel()
	}

	st.stopTimeout()
	st.cancel(nil)

	st.setTerminal(status, final)
	var brokenCause error
	if broken {
		brokenCause = err
		if brokenCause == nil {
			brokenCause = errors.New("transport closed")
		}
	}
	s.endStatement(st, broken, brokenCause)

	if status == StatusFailed || status == StatusCancelled {
		s.log.Debug("Statement ended",
			"statement", st.id[:8],
			"status", st.Status().String(),
			"rows", st.rowsRead,
			"broken", broken,
			"error", final,
		)
	}
	close(st.done)
}

// setTerminal records the terminal state once; later calls are ignored.
func (st *Statement) setTerminal(status Status, err error) {
	if !st.status.CompareAndSwap(int32(StatusRunning), int32(status)) {
		return
	}
	st.mu.Lock()
	st.err = err
	st.ended = time.Now()
	st.mu.Unlock()
}
