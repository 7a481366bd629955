// Package engine wires the connection, pooling, metadata, execution and
// export components into one object a host application drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/willibrandon/dbnav/internal/config"
	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/executor"
	"github.com/willibrandon/dbnav/internal/export"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/metadata"
	"github.com/willibrandon/dbnav/internal/pool"
	"github.com/willibrandon/dbnav/internal/profile"
	"github.com/willibrandon/dbnav/internal/storage/sqlite"
	"github.com/willibrandon/dbnav/internal/tunnel"
)

// ErrUnknownProfile is returned for profile names not in the configuration.
var ErrUnknownProfile = errors.New("unknown profile")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("engine closed")

// Options configures an Engine.
type Options struct {
	Config *config.Config
	// Establisher overrides how SSH tunnels are brought up.
	Establisher tunnel.Establisher
	// Driver overrides the driver registry for every profile.
	Driver db.Driver
	// NoMaintenance disables the background scheduler.
	NoMaintenance bool
}

// Engine is the database client engine.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	tunnels   *tunnel.Manager
	pool      *pool.Pool
	exec      *executor.Executor
	historyDB *sqlite.DB
	history   *sqlite.HistoryStore
	sched     *scheduler

	mu       sync.RWMutex
	cfg      *config.Config
	profiles map[string]*profile.Profile
	caches   map[string]*metadata.Cache
	closed   bool
}

// New builds an Engine from cfg. History is opened when enabled; a history
// database that cannot be opened is logged and skipped.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}

	tunnels := tunnel.NewManager(tunnel.Options{
		Establisher:       opts.Establisher,
		IdleGrace:         cfg.Tunnel.IdleGrace,
		KeepaliveInterval: cfg.Tunnel.KeepaliveInterval,
		EstablishTimeout:  cfg.Tunnel.EstablishTimeout,
		Retry:             cfg.Tunnel.Retry(),
	})

	p := pool.New(pool.Options{
		MaxSessions:   cfg.Pool.MaxSessions,
		LeaseTimeout:  cfg.Pool.LeaseTimeout,
		IdleTimeout:   cfg.Pool.IdleTimeout,
		ValidateAfter: cfg.Pool.ValidateAfter,
		Connect: db.OpenOptions{
			Driver:         opts.Driver,
			Tunnels:        tunnels,
			Retry:          cfg.Connection.Retry(),
			ConnectTimeout: cfg.Connection.ConnectTimeout,
			CancelGrace:    cfg.Statement.CancelGrace,
		},
	})

	ectx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ctx:      ectx,
		cancel:   cancel,
		tunnels:  tunnels,
		pool:     p,
		cfg:      cfg,
		profiles: indexProfiles(cfg),
		caches:   make(map[string]*metadata.Cache),
	}

	var recorder executor.Recorder
	if cfg.History.Enabled {
		if err := e.openHistory(ctx, cfg.History); err != nil {
			logger.Warn("Statement history disabled", "error", err)
		} else {
			recorder = e.history
		}
	}

	e.exec = executor.New(executor.Options{
		Prefetch:       cfg.Statement.Prefetch,
		DefaultTimeout: cfg.Statement.DefaultTimeout,
		Recorder:       recorder,
	})

	if !opts.NoMaintenance {
		sched, err := newScheduler(e, cfg)
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		e.sched = sched
		sched.start()
	}

	logger.Info("Engine started",
		"profiles", len(cfg.Profiles),
		"max_sessions", cfg.Pool.MaxSessions,
		"history", e.history != nil,
	)
	return e, nil
}

func (e *Engine) openHistory(ctx context.Context, hc config.HistoryConfig) error {
	path := hc.Path
	if path == "" {
		var err error
		if path, err = sqlite.DefaultPath(); err != nil {
			return err
		}
	}
	hdb, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	e.historyDB = hdb
	e.history = sqlite.NewHistoryStore(hdb, hc.MaxEntries)
	return nil
}

func indexProfiles(cfg *config.Config) map[string]*profile.Profile {
	out := make(map[string]*profile.Profile, len(cfg.Profiles))
	for i := range cfg.Profiles {
		p := cfg.Profiles[i]
		out[p.Name] = &p
	}
	return out
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Profiles returns the configured profiles sorted by name.
func (e *Engine) Profiles() []*profile.Profile {
	e.mu.RLock()
	out := make([]*profile.Profile, 0, len(e.profiles))
	for _, p := range e.profiles {
		out = append(out, p)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b *profile.Profile) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Profile returns the named profile.
func (e *Engine) Profile(name string) (*profile.Profile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	p, ok := e.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Execute leases a session for the profile and starts sql on it. The
// returned stream owns the session until it finishes or is closed.
func (e *Engine) Execute(ctx context.Context, profileName, sql string, params []any, timeout time.Duration) (*executor.RowStream, error) {
	p, err := e.Profile(profileName)
	if err != nil {
		return nil, err
	}
	lease, err := e.pool.Lease(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.exec.Run(ctx, lease, sql, params, timeout)
}

// Cancel cancels a running statement by ID.
func (e *Engine) Cancel(ctx context.Context, statementID string) bool {
	return e.exec.Cancel(ctx, statementID)
}

// Export runs sql and streams its rows into sink.
func (e *Engine) Export(ctx context.Context, profileName, sql string, params []any, sink export.Sink) (export.Result, error) {
	rs, err := e.Execute(ctx, profileName, sql, params, 0)
	if err != nil {
		return export.Result{}, err
	}
	return export.Export(ctx, rs, sink, export.Options{BatchSize: e.Config().Export.BatchSize})
}

// ExportFile runs sql and writes its rows to path in the format the file
// name implies.
func (e *Engine) ExportFile(ctx context.Context, profileName, sql string, params []any, path string) (export.Result, error) {
	sink, err := export.CreateFile(path)
	if err != nil {
		return export.Result{}, dberr.New(dberr.KindExport, "export", profileName, err)
	}
	res, err := e.Export(ctx, profileName, sql, params, sink)
	if err != nil {
		_ = sink.Close()
		_ = os.Remove(path)
	}
	return res, err
}

// Metadata returns the profile's metadata cache, creating it on first use.
func (e *Engine) Metadata(profileName string) (*metadata.Cache, error) {
	p, err := e.Profile(profileName)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.caches[p.Name]; ok {
		return c, nil
	}
	c, err := metadata.New(p, e.pool, metadata.Options{Concurrency: e.cfg.Metadata.Concurrency})
	if err != nil {
		return nil, err
	}
	e.caches[p.Name] = c
	return c, nil
}

// InvalidateProfile drops the profile's sessions and marks its metadata
// stale. Running statements are cancelled.
func (e *Engine) InvalidateProfile(profileName string) error {
	p, err := e.Profile(profileName)
	if err != nil {
		return err
	}
	e.pool.InvalidateAll(p.ID())

	e.mu.RLock()
	c := e.caches[p.Name]
	e.mu.RUnlock()
	if c != nil {
		c.Invalidate(c.Root())
	}
	logger.Info("Profile invalidated", "profile", p.ID())
	return nil
}

// History returns the statement history store, or nil when disabled.
func (e *Engine) History() *sqlite.HistoryStore { return e.history }

// Stats is a snapshot of engine activity.
type Stats struct {
	Pools      map[string]pool.Stats
	Tunnels    tunnel.Stats
	Statements executor.Stats
	Metadata   map[string]metadata.Stats
}

// Stats returns a snapshot of every component.
func (e *Engine) Stats() Stats {
	s := Stats{
		Pools:      e.pool.AllStats(),
		Tunnels:    e.tunnels.Stats(),
		Statements: e.exec.Stats(),
		Metadata:   make(map[string]metadata.Stats),
	}
	e.mu.RLock()
	for name, c := range e.caches {
		s.Metadata[name] = c.Stats()
	}
	e.mu.RUnlock()
	return s
}

// Close stops maintenance, closes every session and tunnel and the history
// database. It waits for busy sessions until ctx ends.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.sched != nil {
		e.sched.stop(ctx)
	}
	e.cancel()

	var errs []error
	if err := e.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.tunnels.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.historyDB != nil {
		if err := e.historyDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("Engine stopped")
	return errors.Join(errs...)
}
