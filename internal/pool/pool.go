// Package pool hands out database sessions per connection profile.
//
// Each profile is served by one goroutine that owns all of that profile's
// session bookkeeping; callers talk to it over channels. Waiting leases are
// granted in arrival order.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/profile"
)

// ErrPoolClosed is returned to leases pending or issued after Close.
var ErrPoolClosed = errors.New("session pool closed")

// OpenFunc opens a new session for p.
type OpenFunc func(ctx context.Context, p *profile.Profile) (*db.Session, error)

// Options configures a Pool.
type Options struct {
	// MaxSessions is the per-profile cap unless the profile sets its own.
	MaxSessions int
	// LeaseTimeout bounds how long Lease waits for a session. Zero means
	// only the caller's context bounds it.
	LeaseTimeout time.Duration
	// IdleTimeout is the idle age Sweep closes sessions at.
	IdleTimeout time.Duration
	// ValidateAfter pings idle sessions older than this before handing
	// them out. Zero disables validation.
	ValidateAfter time.Duration
	// OpenTimeout bounds one open, retries included.
	OpenTimeout time.Duration
	// Connect is passed to db.Open when Open is nil.
	Connect db.OpenOptions
	// Open overrides how sessions are created.
	Open OpenFunc
}

// Pool is the set of per-profile session pools.
type Pool struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	profiles map[string]*profilePool
	closed   bool
}

// New creates a Pool.
func New(opts Options) *Pool {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 4
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2 * time.Minute
	}
	if opts.Open == nil {
		connect := opts.Connect
		opts.Open = func(ctx context.Context, p *profile.Profile) (*db.Session, error) {
			return db.Open(ctx, p, connect)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		profiles: make(map[string]*profilePool),
	}
}

func (p *Pool) get(prof *profile.Profile) (*profilePool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	pp, ok := p.profiles[prof.ID()]
	if !ok {
		limit := p.opts.MaxSessions
		if prof.MaxSessions > 0 {
			limit = prof.MaxSessions
		}
		pp = newProfilePool(p, prof, limit)
		p.profiles[prof.ID()] = pp
		go pp.run()
	}
	return pp, nil
}

func (p *Pool) lookup(profileID string) *profilePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profiles[profileID]
}

// Lease returns an exclusively owned session for prof. It reuses an Idle
// session, opens one while under the profile's cap, or waits. The wait is
// bounded by ctx and Options.LeaseTimeout; exceeding the latter yields a
// Timeout error.
func (p *Pool) Lease(ctx context.Context, prof *profile.Profile) (*Lease, error) {
	const op = "lease session"

	pp, err := p.get(prof)
	if err != nil {
		return nil, dberr.New(dberr.KindClosed, op, prof.ID(), err)
	}

	waitCtx := ctx
	if p.opts.LeaseTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.LeaseTimeout)
		defer cancel()
	}

	w := &waiter{
		profile:  prof,
		enqueued: time.Now(),
		reply:    make(chan grant, 1),
	}
	if !pp.send(leaseMsg{w: w}) {
		return nil, dberr.New(dberr.KindClosed, op, prof.ID(), ErrPoolClosed)
	}

	select {
	case g := <-w.reply:
		return g.lease(pp, op)
	case <-waitCtx.Done():
	}

	ack := make(chan bool, 1)
	if pp.send(abandonMsg{w: w, served: ack}) && <-ack {
		// Granted while we were giving up; hand it back.
		if l, err := (<-w.reply).lease(pp, op); err == nil {
			l.Release()
		}
	}

	if ctx.Err() == nil {
		return nil, dberr.New(dberr.KindTimeout, op, prof.ID(),
			errors.New("no session became available within the lease timeout"))
	}
	return nil, dberr.FromContext(op, prof.ID(), ctx.Err())
}

// InvalidateAll closes every idle session of the profile, cancels the
// statements of busy ones and discards them on release. Sessions opening
// when it is called are discarded on arrival.
func (p *Pool) InvalidateAll(profileID string) {
	pp := p.lookup(profileID)
	if pp == nil {
		return
	}
	done := make(chan struct{})
	if pp.send(invalidateMsg{done: done}) {
		<-done
	}
}

// SetMaxSessions changes the profile's cap. Raising it serves waiters;
// lowering it closes surplus idle sessions and lets busy ones drain.
func (p *Pool) SetMaxSessions(profileID string, n int) {
	if n <= 0 {
		return
	}
	pp := p.lookup(profileID)
	if pp == nil {
		return
	}
	done := make(chan struct{})
	if pp.send(setCapMsg{n: n, done: done}) {
		<-done
	}
}

// Sweep closes idle sessions unused for longer than maxIdle (Options
// IdleTimeout when zero) across all profiles and returns how many it
// closed.
func (p *Pool) Sweep(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = p.opts.IdleTimeout
	}
	if maxIdle <= 0 {
		return 0
	}

	total := 0
	for _, pp := range p.snapshot() {
		reply := make(chan int, 1)
		if pp.send(sweepMsg{maxIdle: maxIdle, reply: reply}) {
			total += <-reply
		}
	}
	return total
}

func (p *Pool) snapshot() []*profilePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*profilePool, 0, len(p.profiles))
	for _, pp := range p.profiles {
		out = append(out, pp)
	}
	return out
}

// Stats returns counters for one profile. ok is false when the profile has
// never been leased.
func (p *Pool) Stats(profileID string) (Stats, bool) {
	pp := p.lookup(profileID)
	if pp == nil {
		return Stats{}, false
	}
	return pp.stats(), true
}

// AllStats returns counters for every known profile.
func (p *Pool) AllStats() map[string]Stats {
	out := make(map[string]Stats)
	for _, pp := range p.snapshot() {
		out[pp.id] = pp.stats()
	}
	return out
}

// Close fails pending waiters with ErrPoolClosed, closes idle sessions and
// cancels busy ones. It waits until every session is closed or ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]*profilePool, 0, len(p.profiles))
	for _, pp := range p.profiles {
		all = append(all, pp)
	}
	p.mu.Unlock()

	for _, pp := range all {
		pp.send(shutdownMsg{})
	}
	p.cancel()

	for _, pp := range all {
		select {
		case <-pp.dead:
		case <-ctx.Done():
			return dberr.FromContext("close pool", pp.id, ctx.Err())
		}
	}
	logger.Info("Session pool closed", "profiles", len(all))
	return nil
}
