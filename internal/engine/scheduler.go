package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/willibrandon/dbnav/internal/config"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/metadata"
)

const tunnelStatsInterval = time.Minute

// scheduler runs the engine's periodic maintenance.
type scheduler struct {
	cron *cron.Cron
}

func newScheduler(e *Engine, cfg *config.Config) (*scheduler, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name  string
		every time.Duration
		run   func()
	}{
		{"pool sweep", cfg.Pool.SweepInterval, func() { e.SweepSessions() }},
		{"metadata refresh", cfg.Metadata.RefreshInterval, func() { e.RefreshMetadata(e.ctx) }},
		{"tunnel stats", tunnelStatsInterval, e.logTunnelStats},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.every), j.run); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return &scheduler{cron: c}, nil
}

func (s *scheduler) start() { s.cron.Start() }

// stop prevents new runs and waits for running jobs until ctx ends.
func (s *scheduler) stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// SweepSessions closes sessions idle beyond the pool's idle timeout and
// returns how many were closed.
func (e *Engine) SweepSessions() int {
	n := e.pool.Sweep(0)
	if n > 0 {
		logger.Debug("Swept idle sessions", "closed", n)
	}
	return n
}

// RefreshMetadata refreshes metadata older than the configured staleness
// in every open cache and returns how many nodes were reloaded.
func (e *Engine) RefreshMetadata(ctx context.Context) int {
	e.mu.RLock()
	maxAge := e.cfg.Metadata.StaleAfter
	caches := make([]*metadata.Cache, 0, len(e.caches))
	for _, c := range e.caches {
		caches = append(caches, c)
	}
	e.mu.RUnlock()

	total := 0
	for _, c := range caches {
		n, err := c.RefreshStale(ctx, maxAge)
		if err != nil {
			logger.Warn("Metadata refresh failed", "profile", c.Profile().ID(), "error", err)
		}
		total += n
	}
	return total
}

func (e *Engine) logTunnelStats() {
	st := e.tunnels.Stats()
	if st.Live == 0 && st.Failures == 0 {
		return
	}
	logger.Debug("Tunnel stats",
		"live", st.Live,
		"refs", st.Refs,
		"established", st.Established,
		"teardowns", st.Teardowns,
		"failures", st.Failures,
	)
}
