package groups

import (
	"errors"
	"sync"
	"time"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

var (
	// ErrStaleRevision is returned when a snapshot or change targets a
	// revision at or behind the cached one.
	ErrStaleRevision = errors.New("groups: stale revision")

	// ErrRevisionGap is returned when a change skips past cached.revision+1;
	// the entry has been evicted and a full refetch is required.
	ErrRevisionGap = errors.New("groups: revision gap")

	// ErrNotCached is returned when no entry exists for the group.
	ErrNotCached = errors.New("groups: not cached")

	// ErrConflict is the permanent outcome of a write race the reconciler
	// could not resolve within its retry bound.
	ErrConflict = errors.New("groups: conflicting concurrent change")
)

// TokenSource derives pre-authorized send tokens for a member list, along
// with the bundle's expiry.
type TokenSource interface {
	SendTokens(acis []string) (tokens map[string][]byte, expiry time.Time, err error)
}

// CachedGroup is a snapshot plus its send-token bundle.
type CachedGroup struct {
	Group       *Group
	Tokens      map[string][]byte // keyed by member ACI
	TokenExpiry time.Time
	FetchedAt   time.Time
	UpdatedAt   time.Time
}

// DefaultSafetyMargin is how long before token expiry an entry stops being
// served from cache.
const DefaultSafetyMargin = time.Hour

// Cache holds decrypted group snapshots keyed by group identifier.
// All methods are safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[wirecrypto.GroupID]*CachedGroup
	safety  time.Duration
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithSafetyMargin overrides the token-expiry safety margin.
func WithSafetyMargin(d time.Duration) CacheOption {
	return func(c *Cache) { c.safety = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache returns an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[wirecrypto.GroupID]*CachedGroup),
		safety:  DefaultSafetyMargin,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for a group if it exists and its token
// bundle has more than the safety margin left before expiry. Otherwise the
// caller must fetch fresh state. The returned entry is a stable snapshot:
// later updates swap in new state and never mutate what Get handed out.
func (c *Cache) Get(id wirecrypto.GroupID) (*CachedGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.TokenExpiry.Add(-c.safety)) {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Put installs a full snapshot, unless a newer revision is already cached.
func (c *Cache) Put(g *Group, ts TokenSource) error {
	tokens, expiry, err := ts.SendTokens(g.MemberACIs())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[g.ID]; ok && e.Group.Revision > g.Revision {
		return ErrStaleRevision
	}
	now := c.now()
	c.entries[g.ID] = &CachedGroup{
		Group:       g.clone(),
		Tokens:      tokens,
		TokenExpiry: expiry,
		FetchedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

// ApplyUpdate advances the cached snapshot with an incremental change
// targeting exactly cached.revision+1 and recomputes the token bundle from
// the post-change member list. The change is applied to a copy that is
// swapped in whole, so snapshots returned earlier stay coherent. A change
// at or behind the cached revision returns ErrStaleRevision without
// mutating anything; a change past revision+1 evicts the entry and returns
// ErrRevisionGap so the next access does a full authoritative refetch.
func (c *Cache) ApplyUpdate(id wirecrypto.GroupID, change *GroupChange, ts TokenSource) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, ErrNotCached
	}
	switch {
	case change.Revision <= e.Group.Revision:
		return nil, ErrStaleRevision
	case change.Revision != e.Group.Revision+1:
		delete(c.entries, id)
		return nil, ErrRevisionGap
	}

	next := e.Group.clone()
	change.Apply(next)

	tokens, expiry, err := ts.SendTokens(next.MemberACIs())
	if err != nil {
		delete(c.entries, id)
		return nil, err
	}
	e.Group = next
	e.Tokens = tokens
	e.TokenExpiry = expiry
	e.UpdatedAt = c.now()
	return next, nil
}

// Evict drops the entry for a group, if any.
func (c *Cache) Evict(id wirecrypto.GroupID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len reports the number of cached groups.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
