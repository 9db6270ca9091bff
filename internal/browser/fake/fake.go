// Package fake is an in-memory browser driver for tests. Pages hold an
// accessibility tree that tests edit directly; every driver call is
// recorded so assertions can check what reached the "browser".
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

// Driver implements browser.Driver.
type Driver struct {
	mu        sync.Mutex
	LaunchErr error
	Launches  int
	Connects  int
	Browsers  []*Browser
	// NewPageURL is the URL freshly created pages report.
	NewPageURL string
}

// NewDriver returns a driver whose pages start at about:blank.
func NewDriver() *Driver {
	return &Driver{NewPageURL: "about:blank"}
}

func (d *Driver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Launches++
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	b := &Browser{driver: d, owned: true, Launch: opts}
	d.Browsers = append(d.Browsers, b)
	return b, nil
}

func (d *Driver) Connect(ctx context.Context, endpoint string) (browser.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Connects++
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	b := &Browser{driver: d, Endpoint: endpoint}
	d.Browsers = append(d.Browsers, b)
	return b, nil
}

// LastBrowser returns the most recently created browser.
func (d *Driver) LastBrowser() *Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Browsers) == 0 {
		return nil
	}
	return d.Browsers[len(d.Browsers)-1]
}

// Browser implements browser.Browser.
type Browser struct {
	driver   *Driver
	owned    bool
	Launch   browser.LaunchOptions
	Endpoint string

	mu       sync.Mutex
	contexts []*Context
	closed   bool
	seq      int
	newErr   error
}

// FailNewContext makes every later NewContext call return err.
func (b *Browser) FailNewContext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newErr = err
}

func (b *Browser) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, browser.ErrConnectionLost
	}
	if b.newErr != nil {
		return nil, b.newErr
	}
	b.seq++
	c := &Context{
		browser:  b,
		id:       fmt.Sprintf("ctx-%d", b.seq),
		Options:  opts,
		handlers: map[int]func(browser.Page){},
		actHdl:   map[int]func(browser.PageEvent){},
	}
	if opts.StorageState != nil {
		c.Storage = *opts.StorageState
	}
	b.contexts = append(b.contexts, c)
	return c, nil
}

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Browser) Owned() bool { return b.owned }

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Contexts returns every context created on the browser.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Context implements browser.BrowserContext.
type Context struct {
	browser *Browser
	id      string
	Options browser.ContextOptions
	Storage browser.StorageState

	mu       sync.Mutex
	pages    []*Page
	handlers map[int]func(browser.Page)
	actHdl   map[int]func(browser.PageEvent)
	nextSub  int
	closed   bool
	pageSeq  int
}

func (c *Context) ID() string { return c.id }

func (c *Context) Pages() []browser.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]browser.Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	return out
}

// FakePages returns the concrete pages.
func (c *Context) FakePages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	return c.OpenPage(), nil
}

// OpenPage adds a page as if the site had opened a popup, firing OnPage
// handlers.
func (c *Context) OpenPage() *Page {
	c.mu.Lock()
	c.pageSeq++
	p := newPage(c, fmt.Sprintf("%s-page-%d", c.id, c.pageSeq), c.browser.driver.NewPageURL)
	c.pages = append(c.pages, p)
	handlers := make([]func(browser.Page), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
	return p
}

func (c *Context) OnPage(fn func(browser.Page)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *Context) OnPageActivated(fn func(browser.PageEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.actHdl[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.actHdl, id)
	}
}

// Activate fires a page activation event for p, as a user focusing the tab would.
func (c *Context) Activate(p *Page) {
	c.mu.Lock()
	handlers := make([]func(browser.PageEvent), 0, len(c.actHdl))
	for _, h := range c.actHdl {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	ev := browser.PageEvent{TargetID: p.TargetID(), URL: p.URL(), At: time.Now()}
	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of live page and activation handlers.
func (c *Context) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers) + len(c.actHdl)
}

func (c *Context) StorageState(ctx context.Context) (*browser.StorageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.Storage
	return &st, nil
}

func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pages = nil
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) removePage(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pages {
		if q == p {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			return
		}
	}
}

// Page implements browser.Page.
type Page struct {
	ctx      *Context
	targetID string

	mu       sync.Mutex
	url      string
	history  []string
	tree     *browser.AXNode
	viewport browser.Viewport
	dialog   *browser.DialogResponse
	files    []string
	consoleH map[int]func(browser.ConsoleMessage)
	requestH map[int]func(browser.NetworkRequest)
	nextSub  int
	closed   bool

	// EvalResult is returned by Evaluate and element Evaluate.
	EvalResult any
	// Err, when set, is returned by every driver call on the page.
	Err error
	// NoFileInput makes SetInputFiles report browser.ErrNoFileInput.
	NoFileInput bool

	treeCalls atomic.Int64
	actions   []string
}

func newPage(c *Context, id, url string) *Page {
	return &Page{
		ctx:      c,
		targetID: id,
		url:      url,
		consoleH: map[int]func(browser.ConsoleMessage){},
		requestH: map[int]func(browser.NetworkRequest){},
	}
}

func (p *Page) TargetID() string { return p.targetID }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// SetURL changes the URL without recording history, as an in-page route change would.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

// SetTree replaces the accessibility tree.
func (p *Page) SetTree(t *browser.AXNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tree = t
}

// TreeCalls counts AccessibilityTree round trips.
func (p *Page) TreeCalls() int64 { return p.treeCalls.Load() }

// Actions returns a log of calls, e.g. "click e3", "navigate https://x".
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// Viewport returns the last viewport set.
func (p *Page) Viewport() browser.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// Dialog returns the armed dialog response.
func (p *Page) Dialog() *browser.DialogResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dialog
}

// Closed reports whether the page was closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) record(format string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.actions = append(p.actions, fmt.Sprintf(format, args...))
	return nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree != nil {
		return p.tree.Name, p.Err
	}
	return "", p.Err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.record("navigate %s", url); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, p.url)
	p.url = url
	return nil
}

func (p *Page) GoBack(ctx context.Context) error {
	if err := p.record("back"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return fmt.Errorf("no previous history entry")
	}
	p.url = p.history[len(p.history)-1]
	p.history = p.history[:len(p.history)-1]
	return nil
}

func (p *Page) AccessibilityTree(ctx context.Context) (*browser.AXNode, error) {
	p.treeCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.tree, nil
}

func (p *Page) findLocked(n *browser.AXNode, ref string) *browser.AXNode {
	if n == nil {
		return nil
	}
	if n.Ref == ref {
		return n
	}
	for _, c := range n.Children {
		if f := p.findLocked(c, ref); f != nil {
			return f
		}
	}
	return nil
}

func (p *Page) Locate(ctx context.Context, ref string) (browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	node := p.findLocked(p.tree, ref)
	if node == nil {
		return nil, fmt.Errorf("%s: %w", ref, browser.ErrElementNotFound)
	}
	return &Element{page: p, Ref: ref, Node: node}, nil
}

func (p *Page) Evaluate(ctx context.Context, function string) (any, error) {
	if err := p.record("evaluate %s", function); err != nil {
		return nil, err
	}
	return p.EvalResult, nil
}

func (p *Page) WaitForFunction(ctx context.Context, function string, interval time.Duration) error {
	for {
		if err := p.record("wait %s", function); err != nil {
			return err
		}
		p.mu.Lock()
		done := p.EvalResult == true
		p.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// SetEvalResult sets the value returned by evaluations, safely across goroutines.
func (p *Page) SetEvalResult(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EvalResult = v
}

func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	if err := p.record("screenshot %s full=%t", opts.Format, opts.FullPage); err != nil {
		return nil, err
	}
	return []byte("fake-" + string(opts.Format)), nil
}

func (p *Page) PDF(ctx context.Context, opts browser.PDFOptions) ([]byte, error) {
	if err := p.record("pdf landscape=%t", opts.Landscape); err != nil {
		return nil, err
	}
	return []byte("%PDF-1.4 fake"), nil
}

func (p *Page) SetViewport(ctx context.Context, vp browser.Viewport) error {
	if err := p.record("viewport %dx%d", vp.Width, vp.Height); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = vp
	return nil
}

func (p *Page) PressKey(ctx context.Context, key string) error {
	return p.record("press %s", key)
}

func (p *Page) MouseMove(ctx context.Context, x, y float64, steps int) error {
	return p.record("mouse move %v,%v steps=%d", x, y, steps)
}

func (p *Page) MouseClick(ctx context.Context, x, y float64, opts browser.ClickOptions) error {
	return p.record("mouse click %v,%v %s x%d", x, y, opts.Button, opts.ClickCount)
}

func (p *Page) MouseDown(ctx context.Context, button browser.MouseButton) error {
	return p.record("mouse down %s", button)
}

func (p *Page) MouseUp(ctx context.Context, button browser.MouseButton) error {
	return p.record("mouse up %s", button)
}

func (p *Page) WaitForNavigation(ctx context.Context) error {
	if err := p.record("wait navigation"); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *Page) WaitForNetworkIdle(ctx context.Context) error {
	return p.record("wait idle")
}

func (p *Page) ArmDialog(ctx context.Context, d browser.DialogResponse) error {
	if err := p.record("dialog accept=%t", d.Accept); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialog = &d
	return nil
}

func (p *Page) SetInputFiles(ctx context.Context, files []string) error {
	p.mu.Lock()
	missing := p.NoFileInput
	p.mu.Unlock()
	if missing {
		return browser.ErrNoFileInput
	}
	if err := p.record("upload %s", strings.Join(files, ",")); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append([]string{}, files...)
	return nil
}

// Files returns the files last set on the page's file input.
func (p *Page) Files() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.files...)
}

func (p *Page) OnConsole(fn func(browser.ConsoleMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.consoleH[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.consoleH, id)
	}
}

func (p *Page) OnRequest(fn func(browser.NetworkRequest)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.requestH[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.requestH, id)
	}
}

// Log emits a console message to subscribers.
func (p *Page) Log(msgType, text string) {
	p.mu.Lock()
	handlers := make([]func(browser.ConsoleMessage), 0, len(p.consoleH))
	for _, h := range p.consoleH {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	msg := browser.ConsoleMessage{Type: msgType, Text: text, Timestamp: time.Now()}
	for _, h := range handlers {
		h(msg)
	}
}

// Request emits a network request to subscribers.
func (p *Page) Request(r browser.NetworkRequest) {
	p.mu.Lock()
	handlers := make([]func(browser.NetworkRequest), 0, len(p.requestH))
	for _, h := range p.requestH {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(r)
	}
}

func (p *Page) Close(ctx context.Context) error {
	if err := p.record("close"); err != nil {
		return err
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.ctx.removePage(p)
	return nil
}

// Element implements browser.Element over a tree node.
type Element struct {
	page *Page
	Ref  string
	Node *browser.AXNode
}

func (e *Element) Click(ctx context.Context, opts browser.ClickOptions) error {
	mods := make([]string, 0, len(opts.Modifiers))
	for _, m := range opts.Modifiers {
		mods = append(mods, string(m))
	}
	return e.page.record("click %s %s x%d [%s]", e.Ref, opts.Button, opts.ClickCount, strings.Join(mods, "+"))
}

func (e *Element) Hover(ctx context.Context) error { return e.page.record("hover %s", e.Ref) }

func (e *Element) Fill(ctx context.Context, value string) error {
	if err := e.page.record("fill %s %s", e.Ref, value); err != nil {
		return err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	e.Node.Value = value
	return nil
}

func (e *Element) Type(ctx context.Context, text string) error {
	return e.page.record("type %s %s", e.Ref, text)
}

func (e *Element) SelectOptions(ctx context.Context, values []string) ([]string, error) {
	if err := e.page.record("select %s %s", e.Ref, strings.Join(values, ",")); err != nil {
		return nil, err
	}
	return values, nil
}

func (e *Element) SetChecked(ctx context.Context, checked bool) error {
	return e.page.record("check %s %t", e.Ref, checked)
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	return e.page.record("scroll %s", e.Ref)
}

func (e *Element) BoundingBox(ctx context.Context) (browser.Rect, error) {
	if err := e.page.record("box %s", e.Ref); err != nil {
		return browser.Rect{}, err
	}
	return browser.Rect{X: 10, Y: 20, Width: 100, Height: 40}, nil
}

func (e *Element) Evaluate(ctx context.Context, function string) (any, error) {
	if err := e.page.record("evaluate %s %s", e.Ref, function); err != nil {
		return nil, err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.page.EvalResult, nil
}

func (e *Element) DragTo(ctx context.Context, target browser.Element) error {
	t, _ := target.(*Element)
	to := ""
	if t != nil {
		to = t.Ref
	}
	return e.page.record("drag %s %s", e.Ref, to)
}

func (e *Element) Screenshot(ctx context.Context, format browser.ImageFormat) ([]byte, error) {
	if err := e.page.record("element screenshot %s", e.Ref); err != nil {
		return nil, err
	}
	return []byte("fake-element-" + string(format)), nil
}

var (
	_ browser.Driver         = (*Driver)(nil)
	_ browser.Browser        = (*Browser)(nil)
	_ browser.BrowserContext = (*Context)(nil)
	_ browser.Page           = (*Page)(nil)
	_ browser.Element        = (*Element)(nil)
)
