// internal/browser/cdp/context.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/proxyrelay"
)

// ErrContextClosed is returned by operations on a disposed context.
var ErrContextClosed = errors.New("browser context has been closed")

const localStorageFunction = `() => {
  const items = [];
  try {
    for (let i = 0; i < localStorage.length; i++) {
      const name = localStorage.key(i);
      items.push({ name, value: localStorage.getItem(name) });
    }
  } catch (e) {}
  return { origin: location.origin, localStorage: items };
}`

// Context is one browser context: an isolated profile created through
// Target.createBrowserContext, or the browser's default profile.
type Context struct {
	logger   *zap.Logger
	browser  *Browser
	id       cdproto.BrowserContextID
	createID cdproto.BrowserContextID
	owned    bool
	relay    *proxyrelay.Relay
	viewport browser.Viewport

	mu          sync.Mutex
	initScripts []string
	pages       []*Page
	forgotten   map[target.ID]bool
	closed      bool
	adopting    singleflight.Group

	onPage      listeners[browser.Page]
	onActivated listeners[browser.PageEvent]
}

var _ browser.BrowserContext = (*Context)(nil)

func newContext(b *Browser, id, createID cdproto.BrowserContextID, owned bool, vp browser.Viewport) *Context {
	return &Context{
		logger:    b.logger.With(zap.String("browser_context", string(id))),
		browser:   b,
		id:        id,
		createID:  createID,
		owned:     owned,
		viewport:  vp,
		forgotten: make(map[target.ID]bool),
	}
}

func (c *Context) ID() string { return string(c.id) }

func (c *Context) Pages() []browser.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]browser.Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	return out
}

func (c *Context) page(id target.ID) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages {
		if p.targetID == id {
			return p
		}
	}
	return nil
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) OnPage(fn func(browser.Page)) func() { return c.onPage.add(fn) }

func (c *Context) OnPageActivated(fn func(browser.PageEvent)) func() {
	return c.onActivated.add(fn)
}

func (c *Context) activated(p *Page) {
	c.onActivated.emit(browser.PageEvent{TargetID: p.TargetID(), URL: p.URL(), At: time.Now()})
}

// NewPage opens a blank tab in this context.
func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	if c.isClosed() {
		return nil, ErrContextClosed
	}
	var id target.ID
	err := c.browser.exec(ctx, func(ctx context.Context) error {
		var err error
		id, err = target.CreateTarget("about:blank").WithBrowserContextID(c.createID).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	return c.adopt(ctx, id)
}

// adopt attaches to a page target exactly once, whether it was opened by
// NewPage or discovered as a popup.
func (c *Context) adopt(ctx context.Context, id target.ID) (*Page, error) {
	if p := c.page(id); p != nil {
		return p, nil
	}
	v, err, _ := c.adopting.Do(string(id), func() (any, error) {
		if p := c.page(id); p != nil {
			return p, nil
		}
		return c.attach(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Page), nil
}

func (c *Context) attach(ctx context.Context, id target.ID) (*Page, error) {
	c.mu.Lock()
	if c.closed || c.forgotten[id] {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	scripts := append([]string(nil), c.initScripts...)
	c.mu.Unlock()

	pctx, cancel := chromedp.NewContext(c.browser.ctx, chromedp.WithTargetID(id))
	p := newPage(c, pctx, cancel, id, c.logger)
	chromedp.ListenTarget(pctx, p.onEvent)
	if err := runFirst(ctx, pctx, cancel, p.setupActions(scripts, c.viewport)...); err != nil {
		return nil, fmt.Errorf("failed to attach to page %s: %w", id, c.browser.translate(ctx, err))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.gone()
		return nil, ErrContextClosed
	}
	c.pages = append(c.pages, p)
	c.mu.Unlock()

	c.logger.Debug("Attached to page.", zap.String("target_id", string(id)), zap.String("url", p.URL()))
	c.onPage.emit(p)
	return p, nil
}

// removePage forgets a page closed through Page.Close.
func (c *Context) removePage(id target.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten[id] = true
	for i, p := range c.pages {
		if p.targetID == id {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			return
		}
	}
}

// targetDestroyed drops a page whose tab the browser closed on its own.
func (c *Context) targetDestroyed(id target.ID) bool {
	p := c.page(id)
	if p == nil {
		return false
	}
	c.removePage(id)
	p.gone()
	return true
}

// -- Storage state --

func (c *Context) StorageState(ctx context.Context) (*browser.StorageState, error) {
	if c.isClosed() {
		return nil, ErrContextClosed
	}
	var cookies []*network.Cookie
	err := c.browser.exec(ctx, func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().WithBrowserContextID(c.createID).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	state := &browser.StorageState{Cookies: fromCDPCookies(cookies), Origins: []browser.OriginState{}}
	seen := make(map[string]bool)
	for _, bp := range c.Pages() {
		raw, err := bp.Evaluate(ctx, localStorageFunction)
		if err != nil {
			c.logger.Debug("Skipping localStorage of page.", zap.String("target_id", bp.TargetID()), zap.Error(err))
			continue
		}
		origin, ok := decodeOrigin(raw)
		if !ok || seen[origin.Origin] || len(origin.LocalStorage) == 0 {
			continue
		}
		seen[origin.Origin] = true
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

func decodeOrigin(raw any) (browser.OriginState, bool) {
	var out browser.OriginState
	buf, err := json.Marshal(raw)
	if err != nil || json.Unmarshal(buf, &out) != nil {
		return out, false
	}
	if out.Origin == "" || out.Origin == "null" {
		return out, false
	}
	return out, true
}

// restore seeds a fresh context with saved cookies and localStorage.
func (c *Context) restore(ctx context.Context, state *browser.StorageState) error {
	if state == nil {
		return nil
	}
	if params := toCDPCookies(state.Cookies); len(params) > 0 {
		err := c.browser.exec(ctx, func(ctx context.Context) error {
			return storage.SetCookies(params).WithBrowserContextID(c.createID).Do(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to restore cookies: %w", err)
		}
	}
	script, err := restoreScript(state.Origins)
	if err != nil {
		return err
	}
	if script != "" {
		c.mu.Lock()
		c.initScripts = append(c.initScripts, script)
		c.mu.Unlock()
	}
	return nil
}

// restoreScript builds an init script that writes each origin's saved
// localStorage once per tab, before the page's own scripts run.
func restoreScript(origins []browser.OriginState) (string, error) {
	byOrigin := make(map[string][]browser.NameValue)
	for _, o := range origins {
		if o.Origin == "" || len(o.LocalStorage) == 0 {
			continue
		}
		byOrigin[o.Origin] = append(byOrigin[o.Origin], o.LocalStorage...)
	}
	if len(byOrigin) == 0 {
		return "", nil
	}
	data, err := json.Marshal(byOrigin)
	if err != nil {
		return "", fmt.Errorf("failed to encode localStorage: %w", err)
	}
	return `(() => {
  const saved = ` + string(data) + `;
  const items = saved[location.origin];
  if (!items) return;
  try {
    if (sessionStorage.getItem('__viewpointRestored')) return;
    for (const { name, value } of items) localStorage.setItem(name, value);
    sessionStorage.setItem('__viewpointRestored', '1');
  } catch (e) {}
})()`, nil
}

func fromCDPCookies(in []*network.Cookie) []browser.Cookie {
	out := make([]browser.Cookie, 0, len(in))
	for _, ck := range in {
		if ck == nil {
			continue
		}
		expires := ck.Expires
		if ck.Session {
			expires = -1
		}
		out = append(out, browser.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}
	return out
}

func toCDPCookies(in []browser.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(in))
	for _, ck := range in {
		if ck.Name == "" || ck.Domain == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: network.CookieSameSite(ck.SameSite),
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if ck.Expires > 0 {
			sec, frac := math.Modf(ck.Expires)
			exp := cdproto.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*float64(time.Second))))
			p.Expires = &exp
		}
		out = append(out, p)
	}
	return out
}

// -- Lifecycle --

// Close closes every page and disposes the profile when it is ours. The
// default profile only loses its pages.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pages := append([]*Page(nil), c.pages...)
	c.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := p.Close(ctx); err != nil && !c.browser.lost() {
			errs = append(errs, err)
		}
	}
	c.onPage.clear()
	c.onActivated.clear()
	c.browser.forget(c)

	if c.owned && !c.browser.lost() {
		err := c.browser.exec(ctx, func(ctx context.Context) error {
			return target.DisposeBrowserContext(c.id).Do(ctx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to dispose browser context: %w", err))
		}
	}
	if c.relay != nil {
		if err := c.relay.Close(ctx); err != nil {
			c.logger.Debug("Proxy relay did not shut down cleanly.", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
