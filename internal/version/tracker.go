// Package version caches the last applied version per entity so duplicate or
// stale re-deliveries can be skipped without touching the database.
//
// The cache is process-local and bounded. It is never the system of record:
// a cold or evicted entry only costs a redundant (idempotent) write.
package version

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the cache capacity used when none is configured.
const DefaultSize = 10000

// Version is a concurrency token. Seq is a stream sequence number; Token is
// an opaque revision for sources that have no numeric sequence.
type Version struct {
	Seq   int64  `json:"seq,omitempty"`
	Token string `json:"token,omitempty"`
}

// NewerThan reports whether v supersedes other. Sequences compare
// numerically; opaque tokens are newer whenever they differ.
func (v Version) NewerThan(other Version) bool {
	if v.Seq != 0 || other.Seq != 0 {
		return v.Seq > other.Seq
	}
	return v.Token != other.Token
}

// Key identifies one cached entry. IdentityType keeps identities of
// different Go types apart even when they print the same.
type Key struct {
	EntityType   string
	IdentityType string
	Identity     string
}

// KeyFor builds the composite key for an identity value.
func KeyFor(entityType string, identity any) Key {
	return Key{
		EntityType:   entityType,
		IdentityType: fmt.Sprintf("%T", identity),
		Identity:     fmt.Sprint(identity),
	}
}

// Tracker is a bounded LRU of versions.
//
// Thread-safety: all methods are safe for concurrent use. The mutex makes
// StoreIfNewer an atomic read-modify-write per key.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[Key, Version]
}

// NewTracker creates a tracker holding at most size entries. A size of zero
// or less uses DefaultSize.
func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[Key, Version](size)
	if err != nil {
		return nil, fmt.Errorf("create version cache: %w", err)
	}
	return &Tracker{cache: cache}, nil
}

// VersionFor returns the last stored version for an entity.
func (t *Tracker) VersionFor(entityType string, identity any) (Version, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(KeyFor(entityType, identity))
}

// StoreVersion records v unconditionally. The last write wins.
func (t *Tracker) StoreVersion(entityType string, identity any, v Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(KeyFor(entityType, identity), v)
}

// ClearVersion removes an entry. Clearing an absent entry is a no-op.
func (t *Tracker) ClearVersion(entityType string, identity any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(KeyFor(entityType, identity))
}

// StoreIfNewer stores v only when it supersedes the cached version and
// reports whether it did. A false result means v is a duplicate or stale.
func (t *Tracker) StoreIfNewer(entityType string, identity any, v Version) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := KeyFor(entityType, identity)
	if cur, ok := t.cache.Get(key); ok && !v.NewerThan(cur) {
		return false
	}
	t.cache.Add(key, v)
	return true
}

// IsStale reports whether v is not newer than the cached version. Entities
// without a cached version are never stale.
func (t *Tracker) IsStale(entityType string, identity any, v Version) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.cache.Peek(KeyFor(entityType, identity))
	return ok && !v.NewerThan(cur)
}

// Purge drops every entry for an entity type and returns how many were
// removed.
func (t *Tracker) Purge(entityType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, key := range t.cache.Keys() {
		if key.EntityType == entityType {
			t.cache.Remove(key)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (t *Tracker) Len() int {
	return t.cache.Len()
}
