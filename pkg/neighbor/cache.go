// Package neighbor implements the neighbor cache of spec.md §4.2: a
// mapping from (peer virtual address, local physical interface) to the
// peer's physical address, learned passively by snooping received
// frames. Shape grounded on the teacher's swarm.MemoryStorage
// (single mutex-guarded map, explicit Store/Retrieve/Delete).
package neighbor

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
)

// Key identifies one neighbor-cache entry.
type Key struct {
	Peer    common.Addr
	LocalIf common.IfIndex
}

// Entry is the value bound to a Key.
type Entry struct {
	PhysAddr  common.Addr
	Timestamp common.Tick
}

// Cache is a lock-protected (peer, localIf) -> physAddr map.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// New creates an empty neighbor cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]Entry)}
}

// Learn records or refreshes an entry, as observed from a received frame.
func (c *Cache) Learn(peer common.Addr, localIf common.IfIndex, physAddr common.Addr, now common.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key{Peer: peer, LocalIf: localIf}] = Entry{PhysAddr: physAddr, Timestamp: now}
}

// Lookup returns the physical address bound to (peer, localIf), used to
// build a wire destination MAC.
func (c *Cache) Lookup(peer common.Addr, localIf common.IfIndex) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Key{Peer: peer, LocalIf: localIf}]
	return e, ok
}

// Flush removes the entry for a given key, if present.
func (c *Cache) Flush(peer common.Addr, localIf common.IfIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key{Peer: peer, LocalIf: localIf})
}

// FlushInterface removes every entry bound to localIf, used when a
// physical interface is deleted.
func (c *Cache) FlushInterface(localIf common.IfIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.LocalIf == localIf {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of every entry, for Control Plane enumeration
// (spec.md §6 operation 3).
func (c *Cache) Snapshot() map[Key]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Key]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
