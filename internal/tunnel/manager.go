// Package tunnel supervises the SSH-forwarded local ports database sessions
// connect through. Tunnels are shared per (SSH endpoint, remote target) and
// reference counted; the last release schedules teardown after an idle
// grace period.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/profile"
	"github.com/willibrandon/dbnav/internal/retry"
)

// ErrAuth marks establishment failures caused by rejected credentials.
var ErrAuth = errors.New("ssh authentication failed")

// Forwarder is a live local port forward.
type Forwarder interface {
	LocalAddr() *net.TCPAddr
	// Done is closed when the underlying SSH connection is gone.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Keepalive(ctx context.Context) error
	Close() error
}

// Establisher brings up a Forwarder for spec that forwards to target
// (host:port as seen from the SSH server).
type Establisher interface {
	Establish(ctx context.Context, spec *profile.TunnelSpec, target string) (Forwarder, error)
}

// Options configures a Manager.
type Options struct {
	Establisher       Establisher
	IdleGrace         time.Duration
	KeepaliveInterval time.Duration
	EstablishTimeout  time.Duration
	Retry             retry.Policy
}

// Tunnel is a shared, reference-counted forward.
type Tunnel struct {
	key       string
	spec      *profile.TunnelSpec
	target    string
	createdAt time.Time

	ready chan struct{}
	fwd   Forwarder
	err   error

	// guarded by Manager.mu
	refs      int
	idleTimer *time.Timer

	broken       atomic.Bool
	stop         chan struct{}
	teardownOnce sync.Once
}

// Key identifies the tunnel.
func (t *Tunnel) Key() string { return t.key }

// Target is the remote host:port the tunnel forwards to.
func (t *Tunnel) Target() string { return t.target }

// LocalHost is the host the forward listens on.
func (t *Tunnel) LocalHost() string { return t.fwd.LocalAddr().IP.String() }

// LocalPort is the bound local port.
func (t *Tunnel) LocalPort() int { return t.fwd.LocalAddr().Port }

// LocalAddr returns host:port of the local listener.
func (t *Tunnel) LocalAddr() string {
	return net.JoinHostPort(t.LocalHost(), strconv.Itoa(t.LocalPort()))
}

// Alive reports whether the tunnel is still usable.
func (t *Tunnel) Alive() bool { return !t.broken.Load() }

// Stats is a snapshot of manager activity.
type Stats struct {
	Live        int
	Refs        int
	Established int64
	Teardowns   int64
	Failures    int64
}

// Manager owns every tunnel.
type Manager struct {
	opts Options

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	closed  bool

	established atomic.Int64
	teardowns   atomic.Int64
	failures    atomic.Int64
}

// NewManager creates a Manager. Zero durations get defaults.
func NewManager(opts Options) *Manager {
	if opts.Establisher == nil {
		opts.Establisher = &SSHEstablisher{}
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.EstablishTimeout <= 0 {
		opts.EstablishTimeout = 20 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Manager{
		opts:    opts,
		tunnels: make(map[string]*Tunnel),
	}
}

func tunnelKey(spec *profile.TunnelSpec, target string) string {
	return spec.Key() + "->" + target
}

// Acquire returns the live tunnel for (spec, target), establishing it if
// needed. Concurrent callers for the same key share one establishment.
// Every successful Acquire must be paired with Release.
func (m *Manager) Acquire(ctx context.Context, spec *profile.TunnelSpec, target string) (*Tunnel, error) {
	key := tunnelKey(spec, target)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, dberr.New(dberr.KindClosed, "acquire tunnel", spec.Key(), errors.New("tunnel manager closed"))
	}
	t, ok := m.tunnels[key]
	if ok {
		t.refs++
		if t.idleTimer != nil {
			t.idleTimer.Stop()
			t.idleTimer = nil
		}
	} else {
		t = &Tunnel{
			key:       key,
			spec:      spec,
			target:    target,
			createdAt: time.Now(),
			ready:     make(chan struct{}),
			stop:      make(chan struct{}),
			refs:      1,
		}
		m.tunnels[key] = t
		go m.establish(ctx, t)
	}
	m.mu.Unlock()

	select {
	case <-t.ready:
		if t.err != nil {
			m.Release(t)
			return nil, t.err
		}
		return t, nil
	case <-ctx.Done():
		m.Release(t)
		return nil, dberr.FromContext("acquire tunnel", spec.Key(), ctx.Err())
	}
}

// establish runs once per tunnel. It is detached from the first caller's
// cancellation so later waiters are not failed by it.
func (m *Manager) establish(ctx context.Context, t *Tunnel) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.EstablishTimeout)
	defer cancel()

	log := logger.With("tunnel", t.spec.Key(), "target", t.target)
	start := time.Now()

	var fwd Forwarder
	err := retry.Do(ectx, m.opts.Retry, "establish tunnel "+t.spec.Key(), func(ctx context.Context) error {
		f, err := m.opts.Establisher.Establish(ctx, t.spec, t.target)
		if err != nil {
			if permanent(err) {
				return retry.Stop(err)
			}
			return err
		}
		fwd = f
		return nil
	})

	if err != nil {
		reason := dberr.ReasonUnreachable
		if errors.Is(err, ErrAuth) {
			reason = dberr.ReasonAuth
		}
		t.err = dberr.New(dberr.KindTunnel, "acquire tunnel", t.spec.Key(), err).WithReason(reason)
		m.failures.Add(1)

		m.mu.Lock()
		if m.tunnels[t.key] == t {
			delete(m.tunnels, t.key)
		}
		m.mu.Unlock()

		log.Error("Failed to establish tunnel", "reason", reason, "error", err)
		close(t.ready)
		return
	}

	t.fwd = fwd
	m.established.Add(1)
	log.Info("Tunnel established",
		"local", fwd.LocalAddr().String(),
		"duration", time.Since(start),
	)
	close(t.ready)

	go m.watch(t)
}

// watch evicts the tunnel when the SSH connection drops or a keepalive fails.
func (m *Manager) watch(t *Tunnel) {
	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.fwd.Done():
			select {
			case <-t.stop:
				// closed by teardown
			default:
				m.evict(t, t.fwd.Err())
			}
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.KeepaliveInterval)
			err := t.fwd.Keepalive(ctx)
			cancel()
			if err != nil {
				m.evict(t, fmt.Errorf("keepalive failed: %w", err))
				return
			}
		}
	}
}

// evict removes a broken tunnel so the next Acquire builds a fresh one.
// Sessions still holding it see their connections fail.
func (m *Manager) evict(t *Tunnel, cause error) {
	t.broken.Store(true)

	m.mu.Lock()
	if m.tunnels[t.key] == t {
		delete(m.tunnels, t.key)
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	m.mu.Unlock()

	logger.Warn("Tunnel broken, evicting", "tunnel", t.spec.Key(), "target", t.target, "error", cause)
	m.teardown(t)
}

// Release drops one reference. The last reference schedules teardown after
// the idle grace period; an Acquire before then reuses the tunnel.
func (m *Manager) Release(t *Tunnel) {
	if t == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t.refs == 0 {
		logger.Warn("Tunnel released more times than acquired", "tunnel", t.spec.Key())
		return
	}
	t.refs--
	if t.refs > 0 || m.tunnels[t.key] != t || m.closed {
		return
	}
	t.idleTimer = time.AfterFunc(m.opts.IdleGrace, func() { m.expire(t) })
}

func (m *Manager) expire(t *Tunnel) {
	m.mu.Lock()
	if t.refs > 0 || m.tunnels[t.key] != t {
		m.mu.Unlock()
		return
	}
	delete(m.tunnels, t.key)
	t.idleTimer = nil
	m.mu.Unlock()

	<-t.ready
	if t.err != nil {
		return
	}
	logger.Debug("Tunnel idle, tearing down", "tunnel", t.spec.Key(), "target", t.target)
	m.teardown(t)
}

// teardown closes the forward exactly once.
func (m *Manager) teardown(t *Tunnel) {
	t.teardownOnce.Do(func() {
		close(t.stop)
		if t.fwd != nil {
			if err := t.fwd.Close(); err != nil {
				logger.Debug("Error closing tunnel", "tunnel", t.spec.Key(), "error", err)
			}
		}
		m.teardowns.Add(1)
		logger.Info("Tunnel closed",
			"tunnel", t.spec.Key(),
			"target", t.target,
			"uptime", time.Since(t.createdAt).Round(time.Second),
		)
	})
}

// Stats returns a snapshot of manager activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{Live: len(m.tunnels)}
	for _, t := range m.tunnels {
		s.Refs += t.refs
	}
	m.mu.Unlock()

	s.Established = m.established.Load()
	s.Teardowns = m.teardowns.Load()
	s.Failures = m.failures.Load()
	return s
}

// Close tears every tunnel down. Further Acquires fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	all := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	for _, t := range all {
		if t.idleTimer != nil {
			t.idleTimer.Stop()
			t.idleTimer = nil
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range all {
		wg.Add(1)
		go func(t *Tunnel) {
			defer wg.Done()
			<-t.ready
			if t.err == nil {
				m.teardown(t)
			}
		}(t)
	}
	wg.Wait()
	return nil
}
