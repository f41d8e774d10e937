package modrelay

import (
	"context"
	"sync"
	"time"
)

// DefaultSelectionTTL is how long a destination selection is remembered
// before the user is prompted again.
const DefaultSelectionTTL = 24 * time.Hour

// SelectionCache remembers which workspace a user last routed to. A marker
// outliving the live entry lets the resolver pick the confirm-again prompt
// copy when the same user becomes ambiguous shortly after an expiry.
type SelectionCache interface {
	Get(ctx context.Context, userID string) (workspaceID string, ok bool, err error)
	// Put stores the selection and (re)arms its TTL.
	Put(ctx context.Context, userID, workspaceID string) error
	Forget(ctx context.Context, userID string) error
	// RecentlyExpired reports whether the user had a selection that lapsed
	// within the marker window.
	RecentlyExpired(ctx context.Context, userID string) (bool, error)
	Close() error
}

type memorySelectionCache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	entries map[string]selectionEntry
	markers map[string]time.Time
}

type selectionEntry struct {
	workspaceID string
	expiresAt   time.Time
}

// NewMemorySelectionCache returns a process-local SelectionCache with the
// default 24h TTL.
func NewMemorySelectionCache() SelectionCache {
	return newMemorySelectionCache(DefaultSelectionTTL, time.Now)
}

func newMemorySelectionCache(ttl time.Duration, now func() time.Time) *memorySelectionCache {
	if ttl <= 0 {
		ttl = DefaultSelectionTTL
	}
	return &memorySelectionCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]selectionEntry),
		markers: make(map[string]time.Time),
	}
}

func (c *memorySelectionCache) Get(ctx context.Context, userID string) (string, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.After(c.now()) {
		delete(c.entries, userID)
		return "", false, nil
	}
	return entry.workspaceID, true, nil
}

func (c *memorySelectionCache) Put(ctx context.Context, userID, workspaceID string) error {
	_ = ctx
	if userID == "" || workspaceID == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[userID] = selectionEntry{workspaceID: workspaceID, expiresAt: now.Add(c.ttl)}
	c.markers[userID] = now.Add(2 * c.ttl)
	return nil
}

func (c *memorySelectionCache) Forget(ctx context.Context, userID string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

func (c *memorySelectionCache) RecentlyExpired(ctx context.Context, userID string) (bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	markerUntil, marked := c.markers[userID]
	if !marked || !markerUntil.After(now) {
		delete(c.markers, userID)
		return false, nil
	}
	if entry, ok := c.entries[userID]; ok && entry.expiresAt.After(now) {
		return false, nil
	}
	return true, nil
}

func (c *memorySelectionCache) Close() error {
	return nil
}
