// Package metadata keeps a lazily loaded tree of database objects per
// connection profile.
//
// Nodes live in an arena and are addressed by ID; each node's identity is
// its qualified path, so an object that survives a refresh keeps its ID and
// its loaded subtree. Children lists are immutable snapshots replaced with a
// single atomic store, so readers see either the old or the new list.
package metadata

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/willibrandon/dbnav/internal/db/models"
	"github.com/willibrandon/dbnav/internal/db/queries"
	"github.com/willibrandon/dbnav/internal/dberr"
	"github.com/willibrandon/dbnav/internal/logger"
	"github.com/willibrandon/dbnav/internal/pool"
	"github.com/willibrandon/dbnav/internal/profile"
)

// ID addresses a node in the cache arena.
type ID int

// RootID is the profile's root node.
const RootID ID = 0

// Leaser hands out pooled sessions. *pool.Pool implements it.
type Leaser interface {
	Lease(ctx context.Context, p *profile.Profile) (*pool.Lease, error)
}

// Node is a read-only view of a cached object.
type Node struct {
	ID   ID
	Path string
	Kind models.Kind
	Name string
	Type string
	// Position is the ordinal of columns and arguments.
	Position int
	// Loaded is true when the children are cached and not invalidated.
	Loaded bool
	// Stale is true when the children were invalidated and will reload on
	// next access.
	Stale    bool
	LoadedAt time.Time
}

// Expandable reports whether the node can have children.
func (n Node) Expandable() bool { return n.Kind.HasChildren() }

// childList is an immutable snapshot of a node's children. objs holds the
// details each child had when the list was loaded.
type childList struct {
	ids      []ID
	objs     []*models.Object
	loadedAt time.Time
}

type slot struct {
	id     ID
	key    string
	parent ID
	ref    models.Ref

	obj      atomic.Pointer[models.Object]
	children atomic.Pointer[childList]
	// gen counts invalidations; loadedGen is the gen observed before the
	// current children were fetched. They differ while the node is stale.
	gen       atomic.Uint64
	loadedGen atomic.Uint64
}

func (s *slot) stale() bool {
	return s.children.Load() != nil && s.loadedGen.Load() != s.gen.Load()
}

// Options configures a Cache.
type Options struct {
	// Dialect overrides the loader chosen by the profile's driver.
	Dialect queries.Dialect
	// Concurrency bounds parallel loads during deep and stale refreshes.
	Concurrency int
}

// Cache is the metadata tree of one profile.
type Cache struct {
	profile *profile.Profile
	leaser  Leaser
	dialect queries.Dialect
	limit   int
	log     *slog.Logger

	mu    sync.RWMutex
	slots []*slot
	index map[string]ID

	loads singleflight.Group
}

// New creates a cache for p.
func New(p *profile.Profile, leaser Leaser, opts Options) (*Cache, error) {
	d := opts.Dialect
	if d == nil {
		var err error
		if d, err = queries.For(p.Driver); err != nil {
			return nil, err
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	c := &Cache{
		profile: p,
		leaser:  leaser,
		dialect: d,
		limit:   opts.Concurrency,
		log:     logger.With("profile", p.ID()),
		index:   make(map[string]ID),
	}
	root := &slot{id: RootID, key: p.ID(), parent: -1, ref: models.Ref{Kind: models.KindRoot}}
	root.obj.Store(&models.Object{Kind: models.KindRoot, Name: p.ID()})
	c.slots = append(c.slots, root)
	c.index[root.key] = RootID
	return c, nil
}

// Profile returns the profile the cache describes.
func (c *Cache) Profile() *profile.Profile { return c.profile }

func (c *Cache) slot(id ID) (*slot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || int(id) >= len(c.slots) {
		return nil, false
	}
	return c.slots[id], true
}

func (c *Cache) view(s *slot) Node {
	return c.viewOf(s, s.obj.Load())
}

func (c *Cache) viewOf(s *slot, obj *models.Object) Node {
	n := Node{
		ID:       s.id,
		Path:     s.key,
		Kind:     obj.Kind,
		Name:     obj.Name,
		Type:     obj.Type,
		Position: obj.Position,
	}
	if list := s.children.Load(); list != nil {
		n.LoadedAt = list.loadedAt
		n.Stale = s.stale()
		n.Loaded = !n.Stale
	}
	return n
}

// Root returns the root node.
func (c *Cache) Root() Node {
	s, _ := c.slot(RootID)
	return c.view(s)
}

// Node returns the node with id.
func (c *Cache) Node(id ID) (Node, bool) {
	s, ok := c.slot(id)
	if !ok {
		return Node{}, false
	}
	return c.view(s), true
}

// Parent returns the node's parent. The root has none.
func (c *Cache) Parent(n Node) (Node, bool) {
	s, ok := c.slot(n.ID)
	if !ok || s.parent < 0 {
		return Node{}, false
	}
	return c.Node(s.parent)
}

// Children returns the node's children, loading them through a leased
// session on first access or after invalidation. Concurrent loads of one
// node are collapsed into a single query.
func (c *Cache) Children(ctx context.Context, n Node) ([]Node, error) {
	s, ok := c.slot(n.ID)
	if !ok {
		return nil, fmt.Errorf("unknown metadata node %d", n.ID)
	}
	if !s.obj.Load().Kind.HasChildren() {
		return nil, nil
	}
	if list := s.children.Load(); list != nil && !s.stale() {
		return c.views(list), nil
	}
	list, err := c.load(ctx, s)
	if err != nil {
		return nil, err
	}
	return c.views(list), nil
}

func (c *Cache) views(list *childList) []Node {
	c.mu.RLock()
	slots := make([]*slot, len(list.ids))
	for i, id := range list.ids {
		slots[i] = c.slots[id]
	}
	c.mu.RUnlock()

	out := make([]Node, len(slots))
	for i, s := range slots {
		out[i] = c.viewOf(s, list.objs[i])
	}
	return out
}

// Lookup walks from the root by child name, loading levels as needed.
func (c *Cache) Lookup(ctx context.Context, names ...string) (Node, error) {
	cur := c.Root()
	for _, name := range names {
		kids, err := c.Children(ctx, cur)
		if err != nil {
			return Node{}, err
		}
		i := slices.IndexFunc(kids, func(k Node) bool { return k.Name == name })
		if i < 0 {
			i = slices.IndexFunc(kids, func(k Node) bool { return strings.EqualFold(k.Name, name) })
		}
		if i < 0 {
			return Node{}, fmt.Errorf("%s has no child named %q", cur.Path, name)
		}
		cur = kids[i]
	}
	return cur, nil
}

// Refresh reloads the node's children and swaps them in atomically. With
// deep, every loaded descendant is refreshed too, level by level. On
// failure the previous children stay in place.
func (c *Cache) Refresh(ctx context.Context, n Node, deep bool) error {
	s, ok := c.slot(n.ID)
	if !ok {
		return fmt.Errorf("unknown metadata node %d", n.ID)
	}
	if !s.obj.Load().Kind.HasChildren() {
		return nil
	}

	list, err := c.load(ctx, s)
	if err != nil || !deep {
		return err
	}

	level := c.loadedAmong(list.ids)
	for len(level) > 0 && ctx.Err() == nil {
		var (
			mu   sync.Mutex
			next []*slot
		)
		g := new(errgroup.Group)
		g.SetLimit(c.limit)
		for _, child := range level {
			g.Go(func() error {
				l, err := c.load(ctx, child)
				if err != nil {
					return err
				}
				loaded := c.loadedAmong(l.ids)
				mu.Lock()
				next = append(next, loaded...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		level = next
	}
	if ctx.Err() != nil {
		return dberr.FromContext("refresh metadata", c.profile.ID(), ctx.Err())
	}
	return nil
}

// loadedAmong returns the slots of ids whose children have been loaded.
func (c *Cache) loadedAmong(ids []ID) []*slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*slot
	for _, id := range ids {
		if s := c.slots[id]; s.children.Load() != nil {
			out = append(out, s)
		}
	}
	return out
}

// Invalidate marks the node and its loaded subtree stale. Identities are
// kept; the next access reloads.
func (c *Cache) Invalidate(n Node) {
	s, ok := c.slot(n.ID)
	if !ok {
		return
	}
	stack := []*slot{s}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		// Bumping gen also covers a load of cur already in flight.
		cur.gen.Add(1)
		list := cur.children.Load()
		if list == nil {
			continue
		}
		stack = append(stack, c.loadedAmong(list.ids)...)
	}
	c.log.Debug("Invalidated metadata", "node", s.key)
}

// RefreshStale refreshes every loaded node whose children are older than
// maxAge and returns how many were refreshed.
func (c *Cache) RefreshStale(ctx context.Context, maxAge time.Duration) (int, error) {
	c.mu.RLock()
	var due []*slot
	for _, s := range c.slots {
		if list := s.children.Load(); list != nil && !s.stale() && time.Since(list.loadedAt) > maxAge {
			due = append(due, s)
		}
	}
	c.mu.RUnlock()

	var refreshed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(c.limit)
	for _, s := range due {
		g.Go(func() error {
			if _, err := c.load(ctx, s); err != nil {
				return err
			}
			refreshed.Add(1)
			return nil
		})
	}
	err := g.Wait()
	if len(due) > 0 {
		c.log.Debug("Refreshed stale metadata", "due", len(due), "refreshed", refreshed.Load(), "error", err)
	}
	return int(refreshed.Load()), err
}

// Stats counts cached nodes.
type Stats struct {
	Nodes  int
	Loaded int
	Stale  int
}

// Stats returns node counts.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Nodes: len(c.slots)}
	for _, s := range c.slots {
		if s.children.Load() == nil {
			continue
		}
		if s.stale() {
			st.Stale++
		} else {
			st.Loaded++
		}
	}
	return st
}

// load fetches s's children and swaps them in. Concurrent loads of the same
// node share one fetch; waiters give up when their own ctx ends.
func (c *Cache) load(ctx context.Context, s *slot) (*childList, error) {
	ch := c.loads.DoChan(s.key, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), s)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*childList), nil
	case <-ctx.Done():
		return nil, dberr.New(dberr.KindMetadataRefresh, "load metadata", c.profile.ID(), ctx.Err())
	}
}

// fetchTimeout bounds one shared fetch once it is detached from callers.
const fetchTimeout = 2 * time.Minute

func (c *Cache) fetch(ctx context.Context, s *slot) (*childList, error) {
	const op = "load metadata"
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	start := time.Now()
	gen := s.gen.Load()
	lease, err := c.leaser.Lease(ctx, c.profile)
	if err != nil {
		return nil, c.refreshError(op, s, err)
	}
	objs, err := c.dialect.Children(ctx, lease.Session(), s.ref)
	lease.Release()
	if err != nil {
		return nil, c.refreshError(op, s, err)
	}

	list, commit := c.adopt(s, objs)
	list.loadedAt = time.Now()
	old := s.children.Swap(list)
	s.loadedGen.Store(gen)
	commit()

	c.log.Debug("Loaded metadata",
		"node", s.key,
		"children", len(list.ids),
		"previous", childCount(old),
		"duration", time.Since(start),
	)
	return list, nil
}

func childCount(l *childList) int {
	if l == nil {
		return 0
	}
	return len(l.ids)
}

func (c *Cache) refreshError(op string, s *slot, err error) error {
	c.log.Warn("Metadata load failed", "node", s.key, "error", err)
	de := dberr.New(dberr.KindMetadataRefresh, op, c.profile.ID(), err)
	var cause *dberr.Error
	if errors.As(err, &cause) && cause.Kind == dberr.KindTimeout {
		de.Reason = "timeout"
	}
	return de
}

// adopt maps fetched objects onto arena slots, creating slots for new
// identities, and returns the children in display order. Existing slots
// keep their details until commit runs, after the new list is swapped in.
func (c *Cache) adopt(parent *slot, objs []models.Object) (*childList, func()) {
	var prev map[ID]bool
	if old := parent.children.Load(); old != nil {
		prev = make(map[ID]bool, len(old.ids))
		for _, id := range old.ids {
			prev[id] = true
		}
	}

	type entry struct {
		id  ID
		obj *models.Object
	}
	var (
		entries  []entry
		existing []entry
		readded  []*slot
	)

	c.mu.Lock()
	seen := make(map[ID]bool, len(objs))
	for i := range objs {
		obj := &objs[i]
		key := parent.key + "/" + segment(*obj)
		id, ok := c.index[key]
		if !ok {
			id = ID(len(c.slots))
			s := &slot{id: id, key: key, parent: parent.id, ref: parent.ref.Child(*obj)}
			s.obj.Store(obj)
			c.slots = append(c.slots, s)
			c.index[key] = id
		} else if !seen[id] {
			s := c.slots[id]
			existing = append(existing, entry{id, obj})
			// A node that disappeared and came back may hold an outdated
			// subtree.
			if !prev[id] && s.children.Load() != nil {
				readded = append(readded, s)
			}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		entries = append(entries, entry{id, obj})
	}
	slots := c.slots
	c.mu.Unlock()

	slices.SortStableFunc(entries, func(a, b entry) int {
		return compareObjects(a.obj, b.obj)
	})
	list := &childList{ids: make([]ID, len(entries)), objs: make([]*models.Object, len(entries))}
	for i, e := range entries {
		list.ids[i] = e.id
		list.objs[i] = e.obj
	}

	commit := func() {
		for _, e := range existing {
			slots[e.id].obj.Store(e.obj)
		}
		for _, s := range readded {
			s.gen.Add(1)
		}
	}
	return list, commit
}

func segment(obj models.Object) string {
	if obj.Key != "" && obj.Key != obj.Name {
		return obj.Kind.String() + ":" + obj.Name + "#" + obj.Key
	}
	return obj.Kind.String() + ":" + obj.Name
}

// compareObjects orders siblings by kind group, then case-insensitive name,
// then exact name. Arguments keep their declared order.
func compareObjects(a, b *models.Object) int {
	if c := cmp.Compare(a.Kind.Group(), b.Kind.Group()); c != 0 {
		return c
	}
	if a.Kind == models.KindArgument {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}
