// internal/browser/cdp/browser.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/proxyrelay"
)

const popupAttachTimeout = 10 * time.Second

// Browser is one chromedp browser connection. Its context is the first
// chromedp context created on the allocator and owns the websocket.
type Browser struct {
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	owned       bool

	// anchor is the tab chromedp opened to bootstrap the connection. It is
	// never handed out as a page.
	anchor         target.ID
	defaultContext cdproto.BrowserContextID

	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

var _ browser.Browser = (*Browser)(nil)

func (b *Browser) Owned() bool { return b.owned }

// lost reports whether the websocket or the process is gone.
func (b *Browser) lost() bool { return b.ctx.Err() != nil }

// exec runs fn against the browser-level session.
func (b *Browser) exec(ctx context.Context, fn func(context.Context) error) error {
	if b.lost() {
		return browser.ErrConnectionLost
	}
	rctx, cancel := CombineContext(b.ctx, ctx)
	defer cancel()
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return browser.ErrConnectionLost
	}
	if err := fn(cdproto.WithExecutor(rctx, c.Browser)); err != nil {
		return b.translate(ctx, err)
	}
	return nil
}

func (b *Browser) translate(ctx context.Context, err error) error {
	switch {
	case b.lost():
		return fmt.Errorf("%w: %v", browser.ErrConnectionLost, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// NewContext creates an isolated browser context, or wraps the default
// profile when opts.Persistent is set.
func (b *Browser) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.BrowserContext, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || b.lost() {
		return nil, browser.ErrConnectionLost
	}

	var c *Context
	if opts.Persistent {
		if opts.Proxy != nil {
			return nil, errors.New("a proxy cannot be applied to the persistent profile")
		}
		c = newContext(b, b.defaultContext, "", false, opts.Viewport)
	} else {
		var err error
		if c, err = b.isolatedContext(ctx, opts); err != nil {
			return nil, err
		}
	}

	if err := c.restore(ctx, opts.StorageState); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	b.mu.Lock()
	b.contexts = append(b.contexts, c)
	b.mu.Unlock()

	if opts.Persistent {
		b.adoptExisting(ctx, c)
	}
	c.logger.Info("Browser context ready.", zap.Bool("persistent", opts.Persistent))
	return c, nil
}

func (b *Browser) isolatedContext(ctx context.Context, opts browser.ContextOptions) (*Context, error) {
	var relay *proxyrelay.Relay
	create := target.CreateBrowserContext().WithDisposeOnDetach(true)
	if p := opts.Proxy; p != nil && p.Server != "" {
		server := p.Server
		if p.Username != "" || strings.HasPrefix(strings.ToLower(server), "socks5") {
			var err error
			relay, err = proxyrelay.Start(proxyrelay.Upstream{
				Server:   p.Server,
				Username: p.Username,
				Password: p.Password,
			}, b.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to start proxy relay: %w", err)
			}
			server = relay.URL()
		}
		create = create.WithProxyServer(server)
		if p.Bypass != "" {
			create = create.WithProxyBypassList(p.Bypass)
		}
	}

	var id cdproto.BrowserContextID
	err := b.exec(ctx, func(ctx context.Context) error {
		var err error
		id, err = create.Do(ctx)
		return err
	})
	if err != nil {
		if relay != nil {
			_ = relay.Close(ctx)
		}
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	c := newContext(b, id, id, true, opts.Viewport)
	c.relay = relay
	return c, nil
}

// adoptExisting attaches to tabs already open in the default profile, as
// happens when connecting to a browser a user has been driving.
func (b *Browser) adoptExisting(ctx context.Context, c *Context) {
	var infos []*target.Info
	err := b.exec(ctx, func(ctx context.Context) error {
		var err error
		infos, err = target.GetTargets().Do(ctx)
		return err
	})
	if err != nil {
		c.logger.Warn("Could not list existing tabs.", zap.Error(err))
		return
	}
	for _, info := range infos {
		if info.Type != "page" || info.TargetID == b.anchor {
			continue
		}
		if info.BrowserContextID != "" && info.BrowserContextID != c.id {
			continue
		}
		if _, err := c.adopt(ctx, info.TargetID); err != nil {
			c.logger.Warn("Could not attach to existing tab.", zap.String("target_id", string(info.TargetID)), zap.Error(err))
		}
	}
}

func (b *Browser) contextFor(id cdproto.BrowserContextID) *Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.contexts {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (b *Browser) forget(c *Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.contexts {
		if other == c {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			return
		}
	}
}

// onEvent picks up popups and tabs closed by the browser. It runs on the
// browser's event goroutine, so attaching happens elsewhere.
func (b *Browser) onEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		b.maybeAdopt(ev.TargetInfo)
	case *target.EventTargetInfoChanged:
		b.maybeAdopt(ev.TargetInfo)
	case *target.EventTargetDestroyed:
		b.destroyed(ev.TargetID)
	case *target.EventTargetCrashed:
		b.destroyed(ev.TargetID)
	}
}

func (b *Browser) maybeAdopt(info *target.Info) {
	if info == nil || info.Type != "page" || info.TargetID == b.anchor {
		return
	}
	c := b.contextFor(info.BrowserContextID)
	if c == nil || c.isClosed() || c.page(info.TargetID) != nil {
		return
	}
	// Adoption is deduplicated per target, so racing NewPage is harmless.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), popupAttachTimeout)
		defer cancel()
		if _, err := c.adopt(ctx, info.TargetID); err != nil && !errors.Is(err, ErrContextClosed) {
			b.logger.Debug("Failed to attach to popup.", zap.String("target_id", string(info.TargetID)), zap.Error(err))
		}
	}()
}

func (b *Browser) destroyed(id target.ID) {
	b.mu.Lock()
	contexts := append([]*Context(nil), b.contexts...)
	b.mu.Unlock()
	for _, c := range contexts {
		if c.targetDestroyed(id) {
			b.logger.Debug("Tab closed by the browser.", zap.String("target_id", string(id)))
			return
		}
	}
}

// Close disposes every context. An owned browser process is shut down; an
// attached one only loses the connection.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	contexts := append([]*Context(nil), b.contexts...)
	b.mu.Unlock()

	for _, c := range contexts {
		if err := c.Close(ctx); err != nil {
			b.logger.Debug("Browser context did not close cleanly.", zap.String("browser_context", c.ID()), zap.Error(err))
		}
	}

	var err error
	if !b.lost() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(b.ctx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	b.cancel()
	b.allocCancel()
	b.logger.Info("Browser connection closed.", zap.Bool("owned", b.owned))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
