// internal/session/context.go
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
	"go.uber.org/zap"
)

// activation is published by the driver's event goroutine and applied on
// the next tool-path read.
type activation struct {
	targetID string
	url      string
	at       time.Time
}

// ContextState is one named browser context and everything tracked for it.
//
// Tool calls hold mu while they read or move the active page and cache.
// Driver callbacks never take mu: activation is published through pending
// and invalidated, and captured messages go straight into their buffers.
type ContextState struct {
	name      string
	handle    browser.BrowserContext
	proxy     *config.ProxyConfig
	createdAt time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	activeIndex int
	currentURL  string
	cache       snapshotCache
	lastCapture *snapshot.Snapshot

	pending     atomic.Pointer[activation]
	invalidated atomic.Bool

	console *bufferSet[browser.ConsoleMessage]
	network *bufferSet[browser.NetworkRequest]

	subMu    sync.Mutex
	unsubs   []func()
	pageSubs map[string][]func()
	closed   bool
}

type contextSettings struct {
	cacheTTL   time.Duration
	bufferSize int
	now        func() time.Time
}

func newContextState(name string, handle browser.BrowserContext, proxy *config.ProxyConfig, s contextSettings, logger *zap.Logger) *ContextState {
	cs := &ContextState{
		name:        name,
		handle:      handle,
		proxy:       proxy,
		createdAt:   s.now(),
		logger:      logger.With(zap.String("context", name)),
		activeIndex: -1,
		cache:       snapshotCache{ttl: s.cacheTTL, now: s.now},
		console:     newBufferSet[browser.ConsoleMessage](s.bufferSize),
		network:     newBufferSet[browser.NetworkRequest](s.bufferSize),
		pageSubs:    make(map[string][]func()),
	}

	cs.unsubs = append(cs.unsubs,
		handle.OnPage(cs.attachCapture),
		handle.OnPageActivated(cs.onActivated),
	)
	for _, p := range handle.Pages() {
		cs.attachCapture(p)
	}
	return cs
}

// onActivated runs on the driver's event goroutine.
func (c *ContextState) onActivated(ev browser.PageEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	c.pending.Store(&activation{targetID: ev.TargetID, url: ev.URL, at: at})
	c.invalidated.Store(true)
}

// attachCapture subscribes console and network capture for p. It may run
// on the driver's event goroutine.
func (c *ContextState) attachCapture(p browser.Page) {
	id := p.TargetID()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.pageSubs[id]; ok {
		return
	}
	consoleBuf := c.console.get(id)
	networkBuf := c.network.get(id)
	c.pageSubs[id] = []func(){
		p.OnConsole(consoleBuf.Push),
		p.OnRequest(networkBuf.Push),
	}
}

func (c *ContextState) detachCapture(targetID string) {
	c.subMu.Lock()
	subs := c.pageSubs[targetID]
	delete(c.pageSubs, targetID)
	c.subMu.Unlock()
	for _, u := range subs {
		u()
	}
	c.console.remove(targetID)
	c.network.remove(targetID)
}

// Name returns the context name.
func (c *ContextState) Name() string { return c.name }

// Proxy returns the context's proxy, or nil.
func (c *ContextState) Proxy() *config.ProxyConfig { return c.proxy }

// CreatedAt returns when the context was created.
func (c *ContextState) CreatedAt() time.Time { return c.createdAt }

// Handle exposes the driver context.
func (c *ContextState) Handle() browser.BrowserContext { return c.handle }

// applyPendingLocked resolves a published activation against the live
// page list. Callers hold mu.
func (c *ContextState) applyPendingLocked(pages []browser.Page) {
	if c.invalidated.Swap(false) {
		c.cache.clear()
	}
	act := c.pending.Swap(nil)
	if act == nil {
		return
	}
	for i, p := range pages {
		if p.TargetID() == act.targetID {
			c.activeIndex = i
			if act.url != "" {
				c.currentURL = act.url
			}
			c.logger.Debug("Applied page activation.", zap.Int("index", i), zap.String("target_id", act.targetID))
			return
		}
	}
	c.logger.Debug("Dropped activation for a page that is gone.", zap.String("target_id", act.targetID))
}

// activePageLocked returns the active page and its index, clamping a stale
// index to the last page. It returns (nil, -1) when there are no pages.
func (c *ContextState) activePageLocked() (browser.Page, int) {
	pages := c.handle.Pages()
	c.applyPendingLocked(pages)
	if len(pages) == 0 {
		c.activeIndex = -1
		return nil, -1
	}
	if c.activeIndex < 0 || c.activeIndex >= len(pages) {
		c.activeIndex = len(pages) - 1
	}
	return pages[c.activeIndex], c.activeIndex
}

// ActivePage returns the active page, or nil when the context has none.
func (c *ContextState) ActivePage() browser.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, _ := c.activePageLocked()
	return p
}

// ActiveIndex returns the active page index, or -1.
func (c *ContextState) ActiveIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, i := c.activePageLocked()
	return i
}

// Pages returns the live pages in order.
func (c *ContextState) Pages() []browser.Page {
	return c.handle.Pages()
}

// EnsurePage returns the active page, creating one if the context is empty.
func (c *ContextState) EnsurePage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, _ := c.activePageLocked(); p != nil {
		return p, nil
	}
	p, _, err := c.newPageLocked(ctx)
	return p, err
}

// NewPage opens a page and makes it active. It returns the page and its index.
func (c *ContextState) NewPage(ctx context.Context) (browser.Page, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newPageLocked(ctx)
}

func (c *ContextState) newPageLocked(ctx context.Context) (browser.Page, int, error) {
	p, err := c.handle.NewPage(ctx)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to create page in context '%s': %w", c.name, err)
	}
	c.attachCapture(p)
	pages := c.handle.Pages()
	// Creation may itself fire an activation; the new page wins.
	c.applyPendingLocked(pages)
	c.activeIndex = indexOf(pages, p.TargetID())
	if c.activeIndex < 0 {
		c.activeIndex = len(pages) - 1
	}
	c.currentURL = p.URL()
	c.cache.clear()
	return p, c.activeIndex, nil
}

// SelectPage makes the page at index active.
func (c *ContextState) SelectPage(index int) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := c.handle.Pages()
	c.applyPendingLocked(pages)
	if index < 0 || index >= len(pages) {
		return nil, fmt.Errorf("%w: %d (context '%s' has %d pages)", ErrPageIndexOutOfRange, index, c.name, len(pages))
	}
	c.activeIndex = index
	c.currentURL = pages[index].URL()
	c.cache.clear()
	return pages[index], nil
}

// ClosePage closes the page at index and keeps the active index valid.
// It returns the closed page's URL.
func (c *ContextState) ClosePage(ctx context.Context, index int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := c.handle.Pages()
	c.applyPendingLocked(pages)
	if index < 0 || index >= len(pages) {
		return "", fmt.Errorf("%w: %d (context '%s' has %d pages)", ErrPageIndexOutOfRange, index, c.name, len(pages))
	}
	target := pages[index]
	url := target.URL()
	if err := target.Close(ctx); err != nil {
		return "", fmt.Errorf("failed to close page %d: %w", index, err)
	}
	c.detachCapture(target.TargetID())

	remaining := len(pages) - 1
	switch {
	case remaining == 0:
		c.activeIndex = -1
		c.currentURL = ""
	case c.activeIndex > index || c.activeIndex >= remaining:
		c.activeIndex--
	}
	if c.activeIndex >= 0 {
		if rest := c.handle.Pages(); c.activeIndex < len(rest) {
			c.currentURL = rest[c.activeIndex].URL()
		}
	}
	c.cache.clear()
	return url, nil
}

// CurrentURL returns the URL recorded for the active page.
func (c *ContextState) CurrentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, _ := c.activePageLocked(); p != nil {
		if u := p.URL(); u != "" {
			c.currentURL = u
		}
	}
	return c.currentURL
}

// SetCurrentURL records url after a navigation and invalidates the cache.
func (c *ContextState) SetCurrentURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentURL = url
	c.cache.clear()
}

// Invalidate drops the cached snapshot. Every mutating action calls it.
func (c *ContextState) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.clear()
}

func (c *ContextState) cacheKeyLocked() (cacheKey, bool) {
	p, i := c.activePageLocked()
	if p == nil {
		return cacheKey{}, false
	}
	return cacheKey{pageIndex: i, url: p.URL()}, true
}

// CachedSnapshot returns a snapshot that still describes the active page,
// or nil. A pending activation always forces a miss.
func (c *ContextState) CachedSnapshot(allRefs bool) *snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated.Swap(false) {
		c.cache.clear()
		c.logger.Debug("Snapshot cache miss.", zap.String("reason", string(missCleared)))
		return nil
	}
	key, ok := c.cacheKeyLocked()
	if !ok {
		return nil
	}
	s, reason := c.cache.lookup(allRefs, key)
	if s == nil {
		c.logger.Debug("Snapshot cache miss.", zap.String("reason", string(reason)))
		return nil
	}
	return s
}

// StoreSnapshot caches s for the active page and records it as the latest
// generation.
func (c *ContextState) StoreSnapshot(s *snapshot.Snapshot, allRefs bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(s)
	if key, ok := c.cacheKeyLocked(); ok {
		if !c.cache.store(s, allRefs, key) {
			c.logger.Debug("Kept default-mode snapshot in cache over full-refs capture.")
		}
	}
}

// RecordCapture makes s the latest generation without caching it.
func (c *ContextState) RecordCapture(s *snapshot.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(s)
}

func (c *ContextState) recordLocked(s *snapshot.Snapshot) {
	if s == nil || s == c.lastCapture {
		return
	}
	s.Attach(c.lastCapture)
	c.lastCapture = s
}

// PreviousSnapshot returns the most recent capture, or nil.
func (c *ContextState) PreviousSnapshot() *snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCapture
}

// ConsoleLevel orders console message severities.
type ConsoleLevel int

const (
	LevelDebug ConsoleLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

// ParseConsoleLevel accepts debug, info, warning (or warn) and error.
func ParseConsoleLevel(s string) (ConsoleLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown console level %q (expected debug, info, warning or error)", s)
}

func (l ConsoleLevel) String() string {
	return [...]string{"debug", "info", "warning", "error"}[l]
}

// severityOf maps a console API type to its level. Unlisted types count as info.
func severityOf(msgType string) ConsoleLevel {
	switch strings.ToLower(msgType) {
	case "debug":
		return LevelDebug
	case "warning", "warn":
		return LevelWarning
	case "error", "assert":
		return LevelError
	}
	return LevelInfo
}

// ConsoleMessages returns the active page's messages at or above min, oldest first.
func (c *ContextState) ConsoleMessages(min ConsoleLevel) []browser.ConsoleMessage {
	p := c.ActivePage()
	if p == nil {
		return nil
	}
	buf, ok := c.console.lookup(p.TargetID())
	if !ok {
		return nil
	}
	var out []browser.ConsoleMessage
	for _, m := range buf.Snapshot() {
		if severityOf(m.Type) >= min {
			out = append(out, m)
		}
	}
	return out
}

// NetworkRequests returns the active page's requests, oldest first.
// Successful static asset loads are hidden unless includeStatic is set.
func (c *ContextState) NetworkRequests(includeStatic bool) []browser.NetworkRequest {
	p := c.ActivePage()
	if p == nil {
		return nil
	}
	buf, ok := c.network.lookup(p.TargetID())
	if !ok {
		return nil
	}
	var out []browser.NetworkRequest
	for _, r := range buf.Snapshot() {
		if !includeStatic && r.IsStatic() && r.Succeeded() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// StorageState exports cookies and localStorage.
func (c *ContextState) StorageState(ctx context.Context) (*browser.StorageState, error) {
	st, err := c.handle.StorageState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state of context '%s': %w", c.name, err)
	}
	return st, nil
}

// close unsubscribes everything and closes the driver context.
func (c *ContextState) close(ctx context.Context) error {
	c.forget()
	if err := c.handle.Close(ctx); err != nil {
		return fmt.Errorf("failed to close context '%s': %w", c.name, err)
	}
	return nil
}

// forget drops subscriptions and cached state without touching the
// driver context, for when the connection behind it is already gone.
func (c *ContextState) forget() {
	c.subMu.Lock()
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	for id, subs := range c.pageSubs {
		unsubs = append(unsubs, subs...)
		delete(c.pageSubs, id)
	}
	c.subMu.Unlock()
	for _, u := range unsubs {
		u()
	}

	c.mu.Lock()
	c.cache.clear()
	c.lastCapture = nil
	c.activeIndex = -1
	c.mu.Unlock()
}

func indexOf(pages []browser.Page, targetID string) int {
	for i, p := range pages {
		if p.TargetID() == targetID {
			return i
		}
	}
	return -1
}
