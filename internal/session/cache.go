// internal/session/cache.go
package session

import (
	"time"

	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
)

// cacheKey identifies the page state a snapshot was taken from.
type cacheKey struct {
	pageIndex int
	url       string
}

type cacheEntry struct {
	snap     *snapshot.Snapshot
	allRefs  bool
	storedAt time.Time
	key      cacheKey
}

// snapshotCache holds at most one entry. It is guarded by the owning
// ContextState's mutex.
type snapshotCache struct {
	ttl   time.Duration
	now   func() time.Time
	entry *cacheEntry
}

// missReason says why lookup returned nothing. Empty on a hit.
type missReason string

const (
	missEmpty    missReason = "empty"
	missExpired  missReason = "expired"
	missPage     missReason = "page_changed"
	missURL      missReason = "url_changed"
	missMode     missReason = "needs_all_refs"
	missCleared  missReason = "invalidated"
	missNoReason missReason = ""
)

func (c *snapshotCache) valid(key cacheKey) bool {
	e := c.entry
	return e != nil && c.now().Sub(e.storedAt) < c.ttl && e.key == key
}

func (c *snapshotCache) lookup(allRefs bool, key cacheKey) (*snapshot.Snapshot, missReason) {
	e := c.entry
	switch {
	case e == nil:
		return nil, missEmpty
	case c.now().Sub(e.storedAt) >= c.ttl:
		return nil, missExpired
	case e.key.pageIndex != key.pageIndex:
		return nil, missPage
	case e.key.url != key.url:
		return nil, missURL
	case allRefs && !e.allRefs:
		// A default entry never serves a full-refs request.
		return nil, missMode
	}
	return e.snap, missNoReason
}

// store keeps s unless it is a full-refs capture that would displace a
// still-valid default entry.
func (c *snapshotCache) store(s *snapshot.Snapshot, allRefs bool, key cacheKey) bool {
	if allRefs && c.valid(key) && !c.entry.allRefs {
		return false
	}
	c.entry = &cacheEntry{snap: s, allRefs: allRefs, storedAt: c.now(), key: key}
	return true
}

func (c *snapshotCache) clear() {
	c.entry = nil
}
