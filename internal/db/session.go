package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/profile"
	"github.com/willibrandon/dbnav/internal/retry"
	"github.com/willibrandon/dbnav/internal/tunnel"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateIdle
	StateBusy
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Tunneler provides shared SSH forwards. *tunnel.Manager implements it.
type Tunneler interface {
	Acquire(ctx context.Context, spec *profile.TunnelSpec, target string) (*tunnel.Tunnel, error)
	Release(t *tunnel.Tunnel)
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Driver overrides the registry lookup by profile driver name.
	Driver Driver
	// Tunnels is required for profiles with a TunnelSpec.
	Tunnels Tunneler
	// Retry bounds transient connect failures. Authentication failures are
	// never retried.
	Retry          retry.Policy
	ConnectTimeout time.Duration
	// CancelGrace bounds how long a cancelled statement may take to stop
	// before its connection is aborted.
	CancelGrace time.Duration
}

const defaultCancelGrace = 5 * time.Second

// Session is one logical connection. It runs at most one statement at a
// time and is owned by exactly one caller at a time.
type Session struct {
	id          string
	profile     *profile.Profile
	driver      Driver
	transport   Transport
	tunnels     Tunneler
	tun         *tunnel.Tunnel
	cancelGrace time.Duration
	createdAt   time.Time
	log         *slog.Logger

	state    atomic.Int32
	lastUsed atomic.Int64

	mu      sync.Mutex
	current *Statement

	closeOnce sync.Once
}

// Open authenticates against the profile's endpoint, directly or through a
// tunnel, and returns an Idle session.
func Open(ctx context.Context, p *profile.Profile, opts OpenOptions) (*Session, error) {
	const op = "open session"

	drv := opts.Driver
	if drv == nil {
		d, err := Lookup(p.Driver)
		if err != nil {
			return nil, dberr.New(dberr.KindConnection, op, p.ID(), err)
		}
		drv = d
	}

	password, err := p.ResolvePassword(ctx)
	if err != nil && !errors.Is(err, profile.ErrNoPassword) {
		return nil, dberr.New(dberr.KindAuthentication, op, p.ID(), err)
	}

	ep := Endpoint{
		Host:           p.Host,
		Port:           p.Port,
		Database:       p.Database,
		User:           p.User,
		Password:       password,
		SSLMode:        p.SSLMode,
		ReadOnly:       p.ReadOnly,
		Params:         p.Params,
		ConnectTimeout: opts.ConnectTimeout,
	}

	var tun *tunnel.Tunnel
	if p.Tunnel != nil {
		if opts.Tunnels == nil {
			return nil, dberr.New(dberr.KindTunnel, op, p.ID(), errors.New("profile requires a tunnel but no tunnel manager is configured"))
		}
		tun, err = opts.Tunnels.Acquire(ctx, p.Tunnel, p.Target())
		if err != nil {
			var de *dberr.Error
			if errors.As(err, &de) {
				return nil, err
			}
			return nil, dberr.New(dberr.KindTunnel, op, p.ID(), err)
		}
		ep.Host, ep.Port = tun.LocalHost(), tun.LocalPort()
	}

	var transport Transport
	err = retry.Do(ctx, opts.Retry, op+" "+p.ID(), func(ctx context.Context) error {
		attemptCtx := ctx
		if opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
		}

		t, err := drv.Open(attemptCtx, ep)
		if err == nil {
			err = t.Ping(attemptCtx)
			if err != nil {
				_ = t.Close(context.Background())
			}
		}
		if err != nil {
			switch kind := drv.Classify(err); kind {
			case dberr.KindAuthentication:
				return retry.Stop(dberr.New(kind, op, p.ID(), err))
			case dberr.KindQuery:
				// server rejected the startup (unknown database, bad params)
				return retry.Stop(dberr.New(dberr.KindConnection, op, p.ID(), err))
			case dberr.KindTimeout, dberr.KindCancelled:
				if ctx.Err() != nil {
					return retry.Stop(dberr.FromContext(op, p.ID(), ctx.Err()))
				}
				return dberr.New(dberr.KindTimeout, op, p.ID(), err)
			default:
				return dberr.New(dberr.KindConnection, op, p.ID(), err)
			}
		}
		transport = t
		return nil
	})
	if err != nil {
		if tun != nil {
			opts.Tunnels.Release(tun)
		}
		var de *dberr.Error
		if !errors.As(err, &de) {
			err = dberr.FromContext(op, p.ID(), err)
		}
		logger.Warn("Failed to open session", "profile", p.ID(), "error", err)
		return nil, err
	}

	grace := opts.CancelGrace
	if grace <= 0 {
		grace = defaultCancelGrace
	}

	s := &Session{
		id:          uuid.NewString(),
		profile:     p,
		driver:      drv,
		transport:   transport,
		tunnels:     opts.Tunnels,
		tun:         tun,
		cancelGrace: grace,
		createdAt:   time.Now(),
	}
	s.log = logger.With("profile", p.ID(), "session", s.id[:8])
	s.touch()
	s.state.Store(int32(StateIdle))

	s.log.Debug("Session opened",
		"driver", drv.Name(),
		"server_version", transport.ServerVersion(),
		"tunneled", tun != nil,
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Profile returns the profile the session was opened for.
func (s *Session) Profile() *profile.Profile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ServerVersion returns the server version reported at connect time.
func (s *Session) ServerVersion() string { return s.transport.ServerVersion() }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// IdleFor returns how long ago the last statement ended.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastUsed.Load()))
}

// Current returns the running statement, if any.
func (s *Session) Current() *Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// Execute starts sql. The returned statement must be drained or finished by
// the caller. ctx bounds only the start of execution; timeout (if > 0)
// bounds the whole statement.
func (s *Session) Execute(ctx context.Context, sql string, params []any, timeout time.Duration) (*Statement, error) {
	const op = "execute"

	if s.profile.ReadOnly && IsWrite(s.profile.Driver, sql) {
		return nil, dberr.New(dberr.KindQuery, op, s.profile.ID(), errors.New("statement blocked: profile is read-only"))
	}

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateBusy)) {
		switch st := s.State(); st {
		case StateBusy:
			return nil, dberr.New(dberr.KindBusy, op, s.profile.ID(), errors.New("a statement is already running on this session"))
		case StateBroken:
			return nil, dberr.New(dberr.KindConnection, op, s.profile.ID(), errors.New("session is broken"))
		default:
			return nil, dberr.New(dberr.KindClosed, op, s.profile.ID(), fmt.Errorf("session is %s", st))
		}
	}

	st := newStatement(s, sql, timeout)
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()

	// Cancel finishes the statement under iterMu, so the cursor must be
	// set before anyone else can take it.
	st.iterMu.Lock()
	stop := context.AfterFunc(ctx, st.interrupt)
	cursor, err := s.transport.Query(st.ctx, sql, params...)
	stop()

	if err != nil {
		st.failLocked(err)
		st.iterMu.Unlock()
		return nil, st.Err()
	}
	st.cursor = cursor
	st.iterMu.Unlock()
	return st, nil
}

// Collect runs sql to completion and returns every row. ctx bounds the
// whole statement.
func (s *Session) Collect(ctx context.Context, sql string, args ...any) ([][]any, error) {
	st, err := s.Execute(ctx, sql, args, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, dberr.FromContext("execute", s.profile.ID(), ctx.Err())
		}
		return nil, err
	}
	stop := context.AfterFunc(ctx, st.interrupt)
	defer stop()

	var rows [][]any
	for st.Next() {
		vals, err := st.Values()
		if err != nil {
			_ = st.Finish()
			return nil, dberr.New(dberr.KindQuery, "execute", s.profile.ID(), err)
		}
		rows = append(rows, vals)
	}
	if err := st.Finish(); err != nil {
		if ctx.Err() != nil {
			return nil, dberr.FromContext("execute", s.profile.ID(), ctx.Err())
		}
		return nil, err
	}
	return rows, nil
}

// Ping validates an Idle session. A failed ping marks it Broken.
func (s *Session) Ping(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateBusy)) {
		return dberr.New(dberr.KindBusy, "ping", s.profile.ID(), fmt.Errorf("session is %s", s.State()))
	}
	if err := s.transport.Ping(ctx); err != nil {
		s.markBroken(err)
		return dberr.New(dberr.KindConnection, "ping", s.profile.ID(), err)
	}
	s.touch()
	s.state.CompareAndSwap(int32(StateBusy), int32(StateIdle))
	return nil
}

// endStatement is called once per statement after its cursor is closed.
func (s *Session) endStatement(st *Statement, broken bool, cause error) {
	s.mu.Lock()
	if s.current == st {
		s.current = nil
	}
	s.mu.Unlock()
	s.touch()

	if broken {
		s.markBroken(cause)
		return
	}
	s.state.CompareAndSwap(int32(StateBusy), int32(StateIdle))
}

// markBroken moves the session to Broken unless it is already Closed.
func (s *Session) markBroken(cause error) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed || State(cur) == StateBroken {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateBroken)) {
			s.log.Warn("Session broken", "error", cause)
			return
		}
	}
}

// abort severs the transport and marks the session Broken.
func (s *Session) abort(cause error) {
	s.markBroken(cause)
	if err := s.transport.Abort(); err != nil {
		s.log.Debug("Transport abort failed", "error", err)
	}
}

// Close releases the transport and the tunnel reference. A running
// statement is interrupted and its connection aborted. Close is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))

		if st := s.Current(); st != nil {
			st.interrupt()
			_ = s.transport.Abort()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), s.cancelGrace)
			err = s.transport.Close(ctx)
			cancel()
		}

		if s.tun != nil {
			s.tunnels.Release(s.tun)
		}
		s.log.Debug("Session closed", "previous_state", prev.String())
	})
	return err
}
