package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/db/dbtest"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/pool"
	"github.com/willibrandon/dbnav/internal/profile"
	"github.com/willibrandon/dbnav/internal/retry"
)

const selectSQL = "SELECT id, name FROM items"

func testProfile(name string) *profile.Profile {
	return &profile.Profile{Name: name, Driver: profile.DriverPostgres, Host: "db", Port: 5432, Database: "app", User: "u"}
}

func newDriver() *dbtest.Driver {
	return dbtest.NewDriver(profile.DriverPostgres).
		On(selectSQL, &dbtest.Result{Columns: dbtest.IDNameColumns, Rows: dbtest.Rows(3)}).
		On("SELECT pg_sleep(60)", &dbtest.Result{Columns: dbtest.IDNameColumns, BlockAfter: -1}).
		On("SELECT broken", &dbtest.Result{Columns: dbtest.IDNameColumns, Err: dbtest.ErrConnReset})
}

func newPool(t *testing.T, drv *dbtest.Driver, opts pool.Options) *pool.Pool {
	t.Helper()
	opts.Connect = db.OpenOptions{
		Driver:      drv,
		Retry:       retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		CancelGrace: 200 * time.Millisecond,
	}
	p := pool.New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func stats(t *testing.T, p *pool.Pool, id string) pool.Stats {
	t.Helper()
	s, ok := p.Stats(id)
	require.True(t, ok)
	return s
}

func TestConcurrentLeasesNeverExceedCap(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 3})
	prof := testProfile("a")

	var inUse, maxInUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Lease(context.Background(), prof)
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				m := maxInUse.Load()
				if n <= m || maxInUse.CompareAndSwap(m, n) {
					break
				}
			}
			rows, err := l.Session().Collect(context.Background(), selectSQL)
			assert.NoError(t, err)
			assert.Len(t, rows, 3)
			time.Sleep(2 * time.Millisecond)
			inUse.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInUse.Load(), int32(3))
	assert.LessOrEqual(t, drv.Opens(), 3)
	st := stats(t, p, "a")
	assert.LessOrEqual(t, st.Peak, 3)
	assert.Equal(t, int64(20), st.Leases)
	assert.Equal(t, 0, st.Busy)
	assert.Equal(t, int64(20), st.LeaseWait.Count)
}

func TestThirdLeaseWaitsAndIsServedInOrder(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 2})
	prof := testProfile("a")
	ctx := context.Background()

	first, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	second, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	require.NotSame(t, first.Session(), second.Session())

	type result struct {
		name  string
		lease *pool.Lease
	}
	got := make(chan result, 2)
	lease := func(name string) {
		l, err := p.Lease(ctx, prof)
		assert.NoError(t, err)
		got <- result{name, l}
	}

	go lease("third")
	require.Eventually(t, func() bool { return stats(t, p, "a").Waiting == 1 }, time.Second, time.Millisecond)
	go lease("fourth")
	require.Eventually(t, func() bool { return stats(t, p, "a").Waiting == 2 }, time.Second, time.Millisecond)

	select {
	case r := <-got:
		t.Fatalf("%s lease granted while the pool was full", r.name)
	case <-time.After(50 * time.Millisecond):
	}

	firstSession := first.Session()
	first.Release()
	r := <-got
	assert.Equal(t, "third", r.name)
	assert.Same(t, firstSession, r.lease.Session())

	second.Release()
	r2 := <-got
	assert.Equal(t, "fourth", r2.name)

	assert.Equal(t, 2, drv.Opens())
	r.lease.Release()
	r2.lease.Release()
	assert.Equal(t, 2, stats(t, p, "a").Idle)
}

func TestBrokenSessionIsNeverReused(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 1})
	prof := testProfile("a")
	ctx := context.Background()

	l, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	broken := l.Session()
	_, err = broken.Collect(ctx, "SELECT broken")
	require.ErrorIs(t, err, dberr.ErrConnection)
	require.Equal(t, db.StateBroken, broken.State())
	l.Release()

	l2, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	defer l2.Release()
	assert.NotSame(t, broken, l2.Session())
	assert.Equal(t, db.StateIdle, l2.Session().State())
	assert.Equal(t, int64(1), stats(t, p, "a").Discarded)
	assert.Eventually(t, func() bool { return broken.State() == db.StateClosed }, time.Second, time.Millisecond)
}

func TestLeaseTimeout(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 1, LeaseTimeout: 30 * time.Millisecond})
	prof := testProfile("a")

	held, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Lease(context.Background(), prof)
	require.Error(t, err)
	assert.ErrorIs(t, err, dberr.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, stats(t, p, "a").Waiting)
}

func TestLeaseHonoursCallerCancellation(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 1})
	prof := testProfile("a")

	held, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Lease(ctx, prof)
	assert.ErrorIs(t, err, dberr.ErrCancelled)

	held.Release()
	l, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)
	assert.Same(t, held.Session(), l.Session())
	l.Release()
}

func TestReleaseCancelsRunningStatementAndIsIdempotent(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 1})
	prof := testProfile("a")

	l, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)
	st, err := l.Session().Execute(context.Background(), "SELECT pg_sleep(60)", nil, 0)
	require.NoError(t, err)

	l.Release()
	l.Release()
	assert.Equal(t, db.StatusCancelled, st.Status())
	assert.Equal(t, db.StateIdle, l.Session().State())

	s := stats(t, p, "a")
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 0, s.Busy)
}

func TestInvalidateAll(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 3})
	prof := testProfile("a")
	ctx := context.Background()

	busy, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	idle, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	idleSession := idle.Session()
	idle.Release()

	st, err := busy.Session().Execute(ctx, "SELECT pg_sleep(60)", nil, 0)
	require.NoError(t, err)

	p.InvalidateAll("a")

	assert.Eventually(t, func() bool { return st.Status() == db.StatusCancelled }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return idleSession.State() == db.StateClosed }, time.Second, time.Millisecond)

	busySession := busy.Session()
	busy.Release()
	assert.Eventually(t, func() bool { return busySession.State() == db.StateClosed }, time.Second, time.Millisecond)

	fresh, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	defer fresh.Release()
	assert.NotSame(t, idleSession, fresh.Session())
	assert.NotSame(t, busySession, fresh.Session())
	assert.Equal(t, 0, stats(t, p, "a").Idle)
}

func TestInvalidateUnknownProfileIsNoop(t *testing.T) {
	p := newPool(t, newDriver(), pool.Options{})
	p.InvalidateAll("nobody")
	p.SetMaxSessions("nobody", 3)
	_, ok := p.Stats("nobody")
	assert.False(t, ok)
}

func TestRaisingCapWakesWaiter(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 1})
	prof := testProfile("a")

	held, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)
	defer held.Release()

	done := make(chan *pool.Lease, 1)
	go func() {
		l, err := p.Lease(context.Background(), prof)
		assert.NoError(t, err)
		done <- l
	}()
	require.Eventually(t, func() bool { return stats(t, p, "a").Waiting == 1 }, time.Second, time.Millisecond)

	p.SetMaxSessions("a", 2)
	select {
	case l := <-done:
		assert.NotSame(t, held.Session(), l.Session())
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter not served after raising the cap")
	}
	assert.Equal(t, 2, stats(t, p, "a").Max)
}

func TestLoweringCapClosesSurplusIdle(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 3})
	prof := testProfile("a")
	ctx := context.Background()

	var leases []*pool.Lease
	for i := 0; i < 3; i++ {
		l, err := p.Lease(ctx, prof)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	leases[0].Release()
	leases[1].Release()

	p.SetMaxSessions("a", 1)
	s := stats(t, p, "a")
	assert.Equal(t, 0, s.Idle)
	assert.Equal(t, 1, s.Busy)

	leases[2].Release()
	assert.Equal(t, 1, stats(t, p, "a").Idle)
}

func TestProfileCapOverridesDefault(t *testing.T) {
	p := newPool(t, newDriver(), pool.Options{MaxSessions: 8})
	prof := testProfile("small")
	prof.MaxSessions = 1

	l, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, 1, stats(t, p, "small").Max)
}

func TestSweepClosesIdleSessions(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 2, IdleTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	a, err := p.Lease(ctx, testProfile("a"))
	require.NoError(t, err)
	b, err := p.Lease(ctx, testProfile("b"))
	require.NoError(t, err)
	a.Release()
	b.Release()

	assert.Equal(t, 0, p.Sweep(0))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 2, p.Sweep(0))
	assert.Equal(t, 0, stats(t, p, "a").Idle)
	assert.Len(t, p.AllStats(), 2)
}

func TestOpenFailureSurfacesToWaiter(t *testing.T) {
	drv := newDriver()
	drv.OpenFunc = func(ctx context.Context, ep db.Endpoint) error { return dbtest.ErrAuth }
	p := newPool(t, drv, pool.Options{MaxSessions: 1})

	_, err := p.Lease(context.Background(), testProfile("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dberr.ErrAuthentication)
	assert.Equal(t, int64(1), stats(t, p, "a").OpenFailures)

	drv.OpenFunc = nil
	l, err := p.Lease(context.Background(), testProfile("a"))
	require.NoError(t, err)
	l.Release()
}

func TestValidationReplacesDeadIdleSession(t *testing.T) {
	drv := newDriver()
	p := newPool(t, drv, pool.Options{MaxSessions: 1, ValidateAfter: time.Millisecond})
	prof := testProfile("a")
	ctx := context.Background()

	l, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	first := l.Session()
	l.Release()

	drv.Transports()[0].Kill()
	time.Sleep(5 * time.Millisecond)

	l2, err := p.Lease(ctx, prof)
	require.NoError(t, err)
	defer l2.Release()
	assert.NotSame(t, first, l2.Session())
	assert.Equal(t, 2, drv.Opens())
}

func TestCloseFailsWaiters(t *testing.T) {
	drv := newDriver()
	p := pool.New(pool.Options{
		MaxSessions: 1,
		Connect:     db.OpenOptions{Driver: drv, Retry: retry.Policy{MaxAttempts: 1}},
	})
	prof := testProfile("a")

	held, err := p.Lease(context.Background(), prof)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Lease(context.Background(), prof)
		errs <- err
	}()
	require.Eventually(t, func() bool { return stats(t, p, "a").Waiting == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	err = <-errs
	assert.ErrorIs(t, err, dberr.ErrClosed)
	assert.True(t, errors.Is(err, pool.ErrPoolClosed))

	held.Release()
	require.NoError(t, <-closed)
	assert.Equal(t, db.StateClosed, held.Session().State())

	_, err = p.Lease(context.Background(), prof)
	assert.ErrorIs(t, err, dberr.ErrClosed)
}
