// internal/session/cache_test.go
package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSnapshotCache(t *testing.T) {
	key := cacheKey{pageIndex: 0, url: "https://example.com/"}
	newCache := func() (*snapshotCache, *fakeClock) {
		clk := &fakeClock{t: time.Unix(1700000000, 0)}
		return &snapshotCache{ttl: 5 * time.Second, now: clk.now}, clk
	}

	t.Run("should report empty before any store", func(t *testing.T) {
		c, _ := newCache()
		s, reason := c.lookup(false, key)
		assert.Nil(t, s)
		assert.Equal(t, missEmpty, reason)
	})

	t.Run("should hit within the ttl for the same page and url", func(t *testing.T) {
		c, clk := newCache()
		snap := &snapshot.Snapshot{}
		c.store(snap, false, key)
		clk.advance(4 * time.Second)
		s, reason := c.lookup(false, key)
		assert.Same(t, snap, s)
		assert.Equal(t, missNoReason, reason)
	})

	t.Run("should expire at the ttl", func(t *testing.T) {
		c, clk := newCache()
		c.store(&snapshot.Snapshot{}, false, key)
		clk.advance(5 * time.Second)
		_, reason := c.lookup(false, key)
		assert.Equal(t, missExpired, reason)
	})

	t.Run("should miss on a different page or url", func(t *testing.T) {
		c, _ := newCache()
		c.store(&snapshot.Snapshot{}, false, key)
		_, reason := c.lookup(false, cacheKey{pageIndex: 1, url: key.url})
		assert.Equal(t, missPage, reason)
		_, reason = c.lookup(false, cacheKey{pageIndex: 0, url: "https://example.com/other"})
		assert.Equal(t, missURL, reason)
	})

	t.Run("should not serve a full refs request from a default entry", func(t *testing.T) {
		c, _ := newCache()
		c.store(&snapshot.Snapshot{}, false, key)
		_, reason := c.lookup(true, key)
		assert.Equal(t, missMode, reason)
	})

	t.Run("should serve a default request from a full refs entry", func(t *testing.T) {
		c, _ := newCache()
		full := &snapshot.Snapshot{AllRefs: true}
		c.store(full, true, key)
		s, _ := c.lookup(false, key)
		assert.Same(t, full, s)
	})

	t.Run("should keep a valid default entry over a full refs capture", func(t *testing.T) {
		c, _ := newCache()
		def := &snapshot.Snapshot{}
		c.store(def, false, key)
		assert.False(t, c.store(&snapshot.Snapshot{AllRefs: true}, true, key))
		s, _ := c.lookup(false, key)
		assert.Same(t, def, s)
	})

	t.Run("should drop the entry on clear", func(t *testing.T) {
		c, _ := newCache()
		c.store(&snapshot.Snapshot{}, false, key)
		c.clear()
		assert.False(t, c.valid(key))
	})
}
