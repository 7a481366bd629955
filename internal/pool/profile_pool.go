package pool

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/metrics"
	"github.com/willibrandon/dbnav/internal/profile"
)

// Stats is a snapshot of one profile's pool.
type Stats struct {
	Profile string
	Max     int
	Idle    int
	Busy    int
	// Opening counts sessions being opened or validated.
	Opening int
	Waiting int
	// Peak is the largest number of sessions held at once.
	Peak         int
	Leases       int64
	OpenFailures int64
	Discarded    int64
	LeaseWait    metrics.LatencySnapshot
	Closed       bool
}

type waiter struct {
	profile  *profile.Profile
	enqueued time.Time
	reply    chan grant
}

type grant struct {
	sess *db.Session
	err  error
}

func (g grant) lease(pp *profilePool, op string) (*Lease, error) {
	if g.err != nil {
		var de *dberr.Error
		if errors.As(g.err, &de) {
			return nil, g.err
		}
		if errors.Is(g.err, ErrPoolClosed) {
			return nil, dberr.New(dberr.KindClosed, op, pp.id, g.err)
		}
		return nil, dberr.New(dberr.KindConnection, op, pp.id, g.err)
	}
	return &Lease{pp: pp, sess: g.sess, leasedAt: time.Now()}, nil
}

type entry struct {
	doomed bool
}

// Messages understood by a profile pool's goroutine.
type (
	leaseMsg   struct{ w *waiter }
	abandonMsg struct {
		w      *waiter
		served chan<- bool
	}
	releaseMsg struct{ sess *db.Session }
	openedMsg  struct {
		sess *db.Session
		err  error
		gen  uint64
	}
	validatedMsg struct {
		sess *db.Session
		ok   bool
	}
	invalidateMsg struct{ done chan<- struct{} }
	setCapMsg     struct {
		n    int
		done chan<- struct{}
	}
	sweepMsg struct {
		maxIdle time.Duration
		reply   chan<- int
	}
	statsMsg    struct{ reply chan<- Stats }
	shutdownMsg struct{}
)

// profilePool owns every session of one profile. All fields below inbox are
// touched only by run.
type profilePool struct {
	pool *Pool
	id   string
	log  *slog.Logger

	inbox   chan any
	dead    chan struct{}
	closers sync.WaitGroup

	profile    *profile.Profile
	limit      int
	idle       []*db.Session
	busy       map[*db.Session]*entry
	opening    int
	validating int
	waiters    []*waiter
	gen        uint64
	closing    bool

	peak         int
	leases       int64
	openFailures int64
	discarded    int64
	leaseWait    *metrics.Latency
}

func newProfilePool(p *Pool, prof *profile.Profile, limit int) *profilePool {
	return &profilePool{
		pool:      p,
		id:        prof.ID(),
		log:       logger.With("profile", prof.ID()),
		inbox:     make(chan any),
		dead:      make(chan struct{}),
		profile:   prof,
		limit:     limit,
		busy:      make(map[*db.Session]*entry),
		leaseWait: metrics.NewLatency(256),
	}
}

// send delivers msg unless the goroutine has exited.
func (pp *profilePool) send(msg any) bool {
	select {
	case pp.inbox <- msg:
		return true
	case <-pp.dead:
		return false
	}
}

func (pp *profilePool) stats() Stats {
	reply := make(chan Stats, 1)
	if !pp.send(statsMsg{reply: reply}) {
		return Stats{Profile: pp.id, Closed: true}
	}
	return <-reply
}

func (pp *profilePool) run() {
	defer func() {
		pp.closers.Wait()
		close(pp.dead)
	}()

	for msg := range pp.inbox {
		switch m := msg.(type) {
		case leaseMsg:
			pp.onLease(m)
		case abandonMsg:
			pp.onAbandon(m)
		case releaseMsg:
			pp.onRelease(m)
		case openedMsg:
			pp.onOpened(m)
		case validatedMsg:
			pp.onValidated(m)
		case invalidateMsg:
			pp.onInvalidate()
			close(m.done)
		case setCapMsg:
			pp.onSetCap(m.n)
			close(m.done)
		case sweepMsg:
			m.reply <- pp.onSweep(m.maxIdle)
		case statsMsg:
			m.reply <- pp.snapshot()
		case shutdownMsg:
			pp.onShutdown()
		}

		pp.dispatch()

		if pp.closing && len(pp.busy) == 0 && pp.opening == 0 && pp.validating == 0 {
			pp.log.Debug("Profile pool stopped")
			return
		}
	}
}

func (pp *profilePool) total() int {
	return len(pp.idle) + len(pp.busy) + pp.opening + pp.validating
}

func (pp *profilePool) onLease(m leaseMsg) {
	if pp.closing {
		m.w.reply <- grant{err: ErrPoolClosed}
		return
	}
	// Sessions opened from here on use the caller's view of the profile.
	pp.profile = m.w.profile
	pp.waiters = append(pp.waiters, m.w)
}

func (pp *profilePool) onAbandon(m abandonMsg) {
	if i := slices.Index(pp.waiters, m.w); i >= 0 {
		pp.waiters = slices.Delete(pp.waiters, i, i+1)
		m.served <- false
		return
	}
	m.served <- true
}

func (pp *profilePool) onRelease(m releaseMsg) {
	e, ok := pp.busy[m.sess]
	if !ok {
		pp.log.Warn("Released a session the pool does not hold", "session", m.sess.ID())
		return
	}
	delete(pp.busy, m.sess)

	switch {
	case pp.closing:
		pp.discard(m.sess, "pool closing")
	case e.doomed:
		pp.discard(m.sess, "invalidated")
	case m.sess.State() != db.StateIdle:
		pp.discard(m.sess, m.sess.State().String())
	case pp.total() >= pp.limit:
		pp.discard(m.sess, "over capacity")
	default:
		pp.idle = append(pp.idle, m.sess)
	}
}

func (pp *profilePool) onOpened(m openedMsg) {
	pp.opening--
	if m.err != nil {
		pp.openFailures++
		pp.log.Warn("Failed to open pooled session", "error", m.err)
		if len(pp.waiters) > 0 {
			w := pp.waiters[0]
			pp.waiters = pp.waiters[1:]
			w.reply <- grant{err: m.err}
		}
		return
	}
	if pp.closing || m.gen != pp.gen {
		pp.discard(m.sess, "stale open")
		return
	}
	pp.idle = append(pp.idle, m.sess)
}

func (pp *profilePool) onValidated(m validatedMsg) {
	pp.validating--
	if !m.ok || pp.closing {
		pp.discard(m.sess, "validation failed")
		return
	}
	pp.idle = append(pp.idle, m.sess)
}

func (pp *profilePool) onInvalidate() {
	pp.gen++
	for _, s := range pp.idle {
		pp.discard(s, "invalidated")
	}
	pp.idle = nil
	pp.doomBusy()
	pp.log.Info("Invalidated pooled sessions", "busy_doomed", len(pp.busy))
}

// doomBusy marks busy sessions for discard and cancels what they run.
func (pp *profilePool) doomBusy() {
	for s, e := range pp.busy {
		e.doomed = true
		if st := s.Current(); st != nil {
			go func() { _ = st.Cancel(context.Background()) }()
		}
	}
}

func (pp *profilePool) onSetCap(n int) {
	pp.limit = n
	for len(pp.idle) > 0 && pp.total() > pp.limit {
		s := pp.idle[0]
		pp.idle = pp.idle[1:]
		pp.discard(s, "cap lowered")
	}
}

func (pp *profilePool) onSweep(maxIdle time.Duration) int {
	kept := pp.idle[:0]
	swept := 0
	for _, s := range pp.idle {
		if s.IdleFor() > maxIdle || s.State() != db.StateIdle {
			pp.discard(s, "idle timeout")
			swept++
			continue
		}
		kept = append(kept, s)
	}
	clear(pp.idle[len(kept):])
	pp.idle = kept
	return swept
}

func (pp *profilePool) onShutdown() {
	pp.closing = true
	for _, w := range pp.waiters {
		w.reply <- grant{err: ErrPoolClosed}
	}
	pp.waiters = nil
	for _, s := range pp.idle {
		pp.discard(s, "pool closing")
	}
	pp.idle = nil
	pp.doomBusy()
}

// dispatch serves waiters in order from idle sessions, opening new ones
// while under the cap.
func (pp *profilePool) dispatch() {
	for len(pp.waiters) > 0 {
		if s := pp.popIdle(); s != nil {
			if v := pp.pool.opts.ValidateAfter; v > 0 && s.IdleFor() > v {
				pp.validate(s)
				continue
			}
			pp.grant(s)
			continue
		}
		if pp.opening+pp.validating >= len(pp.waiters) || pp.total() >= pp.limit {
			break
		}
		pp.startOpen()
	}
	if n := pp.total(); n > pp.peak {
		pp.peak = n
	}
}

// popIdle returns the most recently used idle session.
func (pp *profilePool) popIdle() *db.Session {
	for len(pp.idle) > 0 {
		s := pp.idle[len(pp.idle)-1]
		pp.idle[len(pp.idle)-1] = nil
		pp.idle = pp.idle[:len(pp.idle)-1]
		if s.State() == db.StateIdle {
			return s
		}
		pp.discard(s, s.State().String())
	}
	return nil
}

func (pp *profilePool) grant(s *db.Session) {
	w := pp.waiters[0]
	pp.waiters[0] = nil
	pp.waiters = pp.waiters[1:]

	pp.busy[s] = &entry{}
	pp.leases++
	pp.leaseWait.Observe(time.Since(w.enqueued))
	w.reply <- grant{sess: s}
}

func (pp *profilePool) startOpen() {
	pp.opening++
	gen, prof := pp.gen, pp.profile
	timeout := pp.pool.opts.OpenTimeout
	open := pp.pool.opts.Open

	go func() {
		ctx, cancel := context.WithTimeout(pp.pool.ctx, timeout)
		s, err := open(ctx, prof)
		cancel()
		if !pp.send(openedMsg{sess: s, err: err, gen: gen}) && s != nil {
			_ = s.Close()
		}
	}()
}

func (pp *profilePool) validate(s *db.Session) {
	pp.validating++
	timeout := pp.pool.opts.Connect.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	go func() {
		ctx, cancel := context.WithTimeout(pp.pool.ctx, timeout)
		err := s.Ping(ctx)
		cancel()
		if err != nil {
			pp.log.Debug("Idle session failed validation", "session", s.ID(), "error", err)
		}
		if !pp.send(validatedMsg{sess: s, ok: err == nil}) {
			_ = s.Close()
		}
	}()
}

// discard closes s off the pool goroutine.
func (pp *profilePool) discard(s *db.Session, reason string) {
	pp.discarded++
	pp.log.Debug("Discarding session", "session", s.ID(), "reason", reason)
	pp.closers.Add(1)
	go func() {
		defer pp.closers.Done()
		_ = s.Close()
	}()
}

func (pp *profilePool) snapshot() Stats {
	return Stats{
		Profile:      pp.id,
		Max:          pp.limit,
		Idle:         len(pp.idle),
		Busy:         len(pp.busy),
		Opening:      pp.opening + pp.validating,
		Waiting:      len(pp.waiters),
		Peak:         pp.peak,
		Leases:       pp.leases,
		OpenFailures: pp.openFailures,
		Discarded:    pp.discarded,
		LeaseWait:    pp.leaseWait.Snapshot(),
		Closed:       pp.closing,
	}
}
