package testutil

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/roach88/flatline/internal/lease"
)

// MemoryCoordinator is an in-process lease table for coordinated-mode tests.
// Several daemons sharing one MemoryCoordinator behave like processes racing
// for the same projections.
type MemoryCoordinator struct {
	mu     sync.Mutex
	clock  func() time.Time
	leases map[string]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryCoordinator creates a coordinator using the given time source.
// A nil now uses time.Now.
func NewMemoryCoordinator(now func() time.Time) *MemoryCoordinator {
	if now == nil {
		now = time.Now
	}
	return &MemoryCoordinator{clock: now, leases: make(map[string]memoryLease)}
}

// Acquire takes the lease when it is free, expired or already held by owner.
func (c *MemoryCoordinator) Acquire(_ context.Context, projection, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	cur, ok := c.leases[projection]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	c.leases[projection] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Renew extends a lease held by owner.
func (c *MemoryCoordinator) Renew(_ context.Context, projection, owner string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.leases[projection]
	if !ok || cur.owner != owner {
		return lease.ErrNotOwner
	}
	c.leases[projection] = memoryLease{owner: owner, expires: c.clock().Add(ttl)}
	return nil
}

// Release drops a lease held by owner. Releasing a lease held by someone
// else is a no-op.
func (c *MemoryCoordinator) Release(_ context.Context, projection, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.leases[projection]; ok && cur.owner == owner {
		delete(c.leases, projection)
	}
	return nil
}

// Fence fails with lease.ErrNotOwner unless owner holds an unexpired lease.
func (c *MemoryCoordinator) Fence(_ context.Context, _ *sql.Tx, projection, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.leases[projection]
	if !ok || cur.owner != owner || !c.clock().Before(cur.expires) {
		return lease.ErrNotOwner
	}
	return nil
}

// Steal hands the lease to another owner, simulating a takeover by a
// different process.
func (c *MemoryCoordinator) Steal(projection, owner string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leases[projection] = memoryLease{owner: owner, expires: c.clock().Add(ttl)}
}

// Owner returns the current holder of a lease, or "" when it is free.
func (c *MemoryCoordinator) Owner(projection string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leases[projection].owner
}
