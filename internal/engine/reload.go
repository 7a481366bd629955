package engine

import (
	"github.com/willibrandon/dbnav/internal/config"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/metadata"
)

// ReloadSummary lists what a configuration reload changed.
type ReloadSummary struct {
	Added   []string
	Removed []string
	Changed []string
	// Resized lists profiles whose session cap changed without a
	// connection-relevant change.
	Resized []string
}

// Reload applies a new configuration. Profiles whose connection settings
// changed or that were removed lose their sessions and metadata; unchanged
// profiles keep both. Engine-wide settings other than profiles take effect
// on the next New.
func (e *Engine) Reload(cfg *config.Config) ReloadSummary {
	next := indexProfiles(cfg)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ReloadSummary{}
	}
	prev := e.profiles

	var (
		sum     ReloadSummary
		dropped []*metadata.Cache
		resize  = make(map[string]int)
	)
	for name, old := range prev {
		p, ok := next[name]
		switch {
		case !ok:
			sum.Removed = append(sum.Removed, name)
		case p.Fingerprint() != old.Fingerprint():
			sum.Changed = append(sum.Changed, name)
		case p.MaxSessions != old.MaxSessions:
			sum.Resized = append(sum.Resized, name)
			resize[name] = p.MaxSessions
			next[name] = p
			continue
		default:
			// Unchanged: keep the existing profile value.
			next[name] = old
			continue
		}
		if c := e.caches[name]; c != nil {
			dropped = append(dropped, c)
			delete(e.caches, name)
		}
	}
	for name := range next {
		if _, ok := prev[name]; !ok {
			sum.Added = append(sum.Added, name)
		}
	}

	e.profiles = next
	e.cfg = cfg
	e.mu.Unlock()

	for _, name := range append(sum.Removed, sum.Changed...) {
		e.pool.InvalidateAll(name)
	}
	for name, n := range resize {
		if n <= 0 {
			n = cfg.Pool.MaxSessions
		}
		e.pool.SetMaxSessions(name, n)
	}

	logger.Info("Configuration reloaded",
		"added", sum.Added,
		"removed", sum.Removed,
		"changed", sum.Changed,
		"resized", sum.Resized,
		"dropped_caches", len(dropped),
	)
	return sum
}

// Watch reloads the engine whenever loader's file changes. Invalid changes
// are logged and ignored.
func (e *Engine) Watch(loader *config.Loader) {
	loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			return
		}
		e.Reload(cfg)
	})
}
