// internal/browser/cdp/page.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

// ErrPageClosed is returned by operations on a page whose tab is gone.
var ErrPageClosed = errors.New("page has been closed")

const (
	activateBinding = "__viewpointActivate"
	// activateScript reports focus and visibility gains through the binding.
	activateScript = `(() => {
  if (window.__viewpointActivateInstalled) return;
  window.__viewpointActivateInstalled = true;
  const fire = () => {
    if (document.visibilityState !== 'visible') return;
    try { window.` + activateBinding + `(location.href); } catch (e) {}
  };
  window.addEventListener('focus', fire);
  document.addEventListener('visibilitychange', fire);
})()`

	defaultPollInterval = 100 * time.Millisecond
)

// Page is a chromedp tab.
type Page struct {
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	targetID target.ID
	owner    *Context
	harvest  *harvester

	mu        sync.Mutex
	url       string
	mainFrame string
	loaded    chan struct{}
	dialog    *page.EventJavascriptDialogOpening
	armed     *browser.DialogResponse
	mouseX    float64
	mouseY    float64
	closed    bool
	closeOnce sync.Once
}

var _ browser.Page = (*Page)(nil)

func newPage(owner *Context, ctx context.Context, cancel context.CancelFunc, id target.ID, logger *zap.Logger) *Page {
	return &Page{
		logger:   logger.With(zap.String("target_id", string(id))),
		ctx:      ctx,
		cancel:   cancel,
		targetID: id,
		owner:    owner,
		harvest:  newHarvester(logger),
		loaded:   make(chan struct{}),
	}
}

func (p *Page) TargetID() string { return string(p.targetID) }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) setURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

// run executes actions against the tab under the caller's deadline.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	rctx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(rctx, actions...); err != nil {
		return p.translate(ctx, err)
	}
	return nil
}

func (p *Page) checkOpen() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPageClosed
	}
	if p.owner.browser.lost() {
		return browser.ErrConnectionLost
	}
	return nil
}

// translate maps a failed command to the driver's sentinel errors. A dead
// browser surfaces from chromedp as a plain context cancellation.
func (p *Page) translate(ctx context.Context, err error) error {
	switch {
	case p.owner.browser.lost():
		return fmt.Errorf("%w: %v", browser.ErrConnectionLost, err)
	case p.ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrPageClosed, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// -- Event handling --

// onEvent runs on chromedp's event goroutine and must not block.
func (p *Page) onEvent(ev any) {
	if p.harvest.handle(ev) {
		return
	}
	switch ev := ev.(type) {
	case *page.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			p.mu.Lock()
			p.url = ev.Frame.URL + ev.Frame.URLFragment
			p.mainFrame = string(ev.Frame.ID)
			p.mu.Unlock()
		}
	case *page.EventNavigatedWithinDocument:
		p.mu.Lock()
		if p.mainFrame == "" || p.mainFrame == string(ev.FrameID) {
			p.url = ev.URL
		}
		p.mu.Unlock()
	case *page.EventLoadEventFired:
		p.mu.Lock()
		close(p.loaded)
		p.loaded = make(chan struct{})
		p.mu.Unlock()
	case *page.EventJavascriptDialogOpening:
		p.onDialog(ev)
	case *page.EventJavascriptDialogClosed:
		p.mu.Lock()
		p.dialog = nil
		p.mu.Unlock()
	case *runtime.EventBindingCalled:
		if ev.Name == activateBinding {
			if ev.Payload != "" {
				p.setURL(ev.Payload)
			}
			p.owner.activated(p)
		}
	}
}

func (p *Page) onDialog(ev *page.EventJavascriptDialogOpening) {
	p.mu.Lock()
	resp := browser.DialogResponse{Accept: false}
	armed := p.armed != nil
	if armed {
		resp = *p.armed
		p.armed = nil
	}
	p.dialog = ev
	p.mu.Unlock()

	p.logger.Debug("JavaScript dialog opened.",
		zap.String("type", string(ev.Type)),
		zap.String("message", ev.Message),
		zap.Bool("armed", armed))
	go p.answerDialog(resp)
}

func (p *Page) answerDialog(resp browser.DialogResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	action := page.HandleJavaScriptDialog(resp.Accept)
	if resp.PromptText != "" {
		action = action.WithPromptText(resp.PromptText)
	}
	if err := p.run(ctx, action); err != nil {
		p.logger.Debug("Failed to answer dialog.", zap.Error(err))
	}
}

// ArmDialog sets the answer for the next dialog. Unarmed dialogs are dismissed.
func (p *Page) ArmDialog(ctx context.Context, d browser.DialogResponse) error {
	p.mu.Lock()
	open := p.dialog != nil
	if !open {
		p.armed = &d
	}
	p.mu.Unlock()
	if open {
		action := page.HandleJavaScriptDialog(d.Accept)
		if d.PromptText != "" {
			action = action.WithPromptText(d.PromptText)
		}
		return p.run(ctx, action)
	}
	return nil
}

// fileInputSelectors are tried in order. Styled uploads often hide the
// input, so only presence is required.
var fileInputSelectors = []string{`input[type=file]`, `input[accept]`}

func (p *Page) SetInputFiles(ctx context.Context, files []string) error {
	if files == nil {
		files = []string{}
	}
	for _, sel := range fileInputSelectors {
		var nodes []*cdproto.Node
		if err := p.run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
			return fmt.Errorf("failed to query %s: %w", sel, err)
		}
		if len(nodes) == 0 {
			continue
		}
		return p.run(ctx, dom.SetFileInputFiles(files).WithBackendNodeID(nodes[0].BackendNodeID))
	}
	return browser.ErrNoFileInput
}

func (p *Page) OnConsole(fn func(browser.ConsoleMessage)) func() { return p.harvest.console.add(fn) }
func (p *Page) OnRequest(fn func(browser.NetworkRequest)) func() { return p.harvest.network.add(fn) }

// -- Setup --

// setupActions install the activation hook and any context init scripts.
// They run as part of the first Run that attaches the tab.
func (p *Page) setupActions(initScripts []string, vp browser.Viewport) []chromedp.Action {
	actions := []chromedp.Action{
		runtime.AddBinding(activateBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(activateScript).Do(ctx)
			return err
		}),
	}
	for _, script := range initScripts {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if vp.Width > 0 && vp.Height > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)))
	}
	actions = append(actions,
		chromedp.ActionFunc(func(ctx context.Context) error {
			// The current document predates the init script.
			_, _, err := runtime.Evaluate(activateScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			info, err := target.GetTargetInfo().WithTargetID(p.targetID).Do(ctx)
			if err == nil && info != nil {
				p.setURL(info.URL)
			}
			return nil
		}),
	)
	return actions
}

// -- Navigation --

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read title: %w", err)
	}
	return title, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) GoBack(ctx context.Context) error {
	if err := p.run(ctx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("failed to navigate back: %w", err)
	}
	return nil
}

func (p *Page) WaitForNavigation(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	ch := p.loaded
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-p.ctx.Done():
		return p.translate(ctx, p.ctx.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Page) WaitForNetworkIdle(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	wctx, cancel := CombineContext(ctx, p.ctx)
	defer cancel()
	if err := p.harvest.WaitNetworkIdle(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.translate(ctx, err)
	}
	return nil
}

// -- Snapshot & script --

func (p *Page) AccessibilityTree(ctx context.Context) (*browser.AXNode, error) {
	var tree *browser.AXNode
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = fetchAXTree(ctx, p.logger)
		return err
	}))
	return tree, err
}

func (p *Page) Locate(ctx context.Context, ref string) (browser.Element, error) {
	id, err := parseNativeRef(ref)
	if err != nil {
		return nil, err
	}
	el := &Element{page: p, id: id, ref: ref}
	if err := p.run(ctx, chromedp.ActionFunc(el.describe)); err != nil {
		if errors.Is(err, browser.ErrConnectionLost) || errors.Is(err, ErrPageClosed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, ref)
	}
	return el, nil
}

func (p *Page) Evaluate(ctx context.Context, function string) (any, error) {
	var out any
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate("(" + function + ")()").
			WithAwaitPromise(true).
			WithReturnByValue(true).
			WithUserGesture(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		out, err = decodeRemote(res)
		return err
	}))
	return out, err
}

func (p *Page) WaitForFunction(ctx context.Context, function string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	for {
		var res any
		err := p.run(ctx, chromedp.PollFunction(function, &res,
			chromedp.WithPollingInterval(interval),
			chromedp.WithPollingTimeout(0)))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, browser.ErrConnectionLost) || errors.Is(err, ErrPageClosed) {
			return err
		}
		// A navigation destroys the polling context; start over in the new document.
		p.logger.Debug("Predicate polling interrupted, retrying.", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	return fmt.Errorf("%w: %s", browser.ErrScriptException, msg)
}

func decodeRemote(res *runtime.RemoteObject) (any, error) {
	if res == nil || res.Type == runtime.TypeUndefined || len(res.Value) == 0 {
		if res != nil && res.UnserializableValue != "" {
			return string(res.UnserializableValue), nil
		}
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation result: %w", err)
	}
	return out, nil
}

// -- Capture --

func captureFormat(f browser.ImageFormat) page.CaptureScreenshotFormat {
	if f == browser.ImageJPEG {
		return page.CaptureScreenshotFormatJpeg
	}
	return page.CaptureScreenshotFormatPng
}

func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if opts.FullPage {
		quality := 100
		if opts.Format == browser.ImageJPEG {
			quality = 90
		}
		action = chromedp.FullScreenshot(&buf, quality)
	} else {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			params := page.CaptureScreenshot().WithFormat(captureFormat(opts.Format))
			if opts.Format == browser.ImageJPEG {
				params = params.WithQuality(90)
			}
			var err error
			buf, err = params.Do(ctx)
			return err
		})
	}
	if err := p.run(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *Page) PDF(ctx context.Context, opts browser.PDFOptions) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.PrintToPDF().
			WithLandscape(opts.Landscape).
			WithPrintBackground(opts.PrintBackground)
		if opts.Scale > 0 {
			params = params.WithScale(opts.Scale)
		}
		if opts.PaperWidth > 0 && opts.PaperHeight > 0 {
			params = params.WithPaperWidth(opts.PaperWidth).WithPaperHeight(opts.PaperHeight)
		}
		params = params.
			WithMarginTop(opts.MarginTop).
			WithMarginBottom(opts.MarginBottom).
			WithMarginLeft(opts.MarginLeft).
			WithMarginRight(opts.MarginRight)
		if opts.PageRanges != "" {
			params = params.WithPageRanges(opts.PageRanges)
		}
		var err error
		buf, _, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		if strings.Contains(err.Error(), "PrintToPDF is not implemented") {
			return nil, fmt.Errorf("PDF export requires a headless browser: %w", err)
		}
		return nil, fmt.Errorf("failed to print page: %w", err)
	}
	return buf, nil
}

func (p *Page) SetViewport(ctx context.Context, vp browser.Viewport) error {
	if vp.Width <= 0 || vp.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", vp.Width, vp.Height)
	}
	return p.run(ctx, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)))
}

// -- Input --

func (p *Page) PressKey(ctx context.Context, key string) error {
	k, mods, err := parseKeyCombo(key)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.KeyEvent(k, chromedp.KeyModifiers(mods...)))
}

// MouseMove moves the pointer in steps along a straight line from its
// last known position.
func (p *Page) MouseMove(ctx context.Context, x, y float64, steps int) error {
	if steps < 1 {
		steps = 1
	}
	p.mu.Lock()
	fromX, fromY := p.mouseX, p.mouseY
	p.mu.Unlock()

	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for i := 1; i <= steps; i++ {
			t := float64(i) / float64(steps)
			px := fromX + (x-fromX)*t
			py := fromY + (y-fromY)*t
			if err := input.DispatchMouseEvent(input.MouseMoved, px, py).Do(ctx); err != nil {
				return err
			}
			p.mu.Lock()
			p.mouseX, p.mouseY = px, py
			p.mu.Unlock()
		}
		return nil
	}))
}

func (p *Page) MouseClick(ctx context.Context, x, y float64, opts browser.ClickOptions) error {
	count := opts.ClickCount
	if count < 1 {
		count = 1
	}
	button := mouseButton(opts.Button)
	mods := inputModifiers(opts.Modifiers)
	if err := p.MouseMove(ctx, x, y, 1); err != nil {
		return err
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for i := 1; i <= count; i++ {
			for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
				err := input.DispatchMouseEvent(typ, x, y).
					WithButton(button).
					WithClickCount(int64(i)).
					WithModifiers(mods).
					Do(ctx)
				if err != nil {
					return err
				}
			}
		}
		return nil
	}))
}

func (p *Page) mouseButtonEvent(ctx context.Context, typ input.MouseType, b browser.MouseButton) error {
	p.mu.Lock()
	x, y := p.mouseX, p.mouseY
	p.mu.Unlock()
	return p.run(ctx, input.DispatchMouseEvent(typ, x, y).WithButton(mouseButton(b)).WithClickCount(1))
}

func (p *Page) MouseDown(ctx context.Context, b browser.MouseButton) error {
	return p.mouseButtonEvent(ctx, input.MousePressed, b)
}

func (p *Page) MouseUp(ctx context.Context, b browser.MouseButton) error {
	return p.mouseButtonEvent(ctx, input.MouseReleased, b)
}

// -- Lifecycle --

// Close closes the tab and detaches it from its context.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.owner.removePage(p.targetID)
		p.harvest.console.clear()
		p.harvest.network.clear()

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.ctx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			p.cancel()
			err = ctx.Err()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

// gone marks a tab destroyed by the browser itself.
func (p *Page) gone() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.harvest.console.clear()
		p.harvest.network.clear()
		p.cancel()
	})
}

// boxCenter returns the midpoint of a content quad.
func boxCenter(quad []float64) (float64, float64, bool) {
	if len(quad) < 8 {
		return 0, 0, false
	}
	x := (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	y := (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	return x, y, true
}

// quadRect returns the axis-aligned bounds of a quad.
func quadRect(quad []float64) (browser.Rect, bool) {
	if len(quad) < 8 {
		return browser.Rect{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < 8; i += 2 {
		minX = math.Min(minX, quad[i])
		maxX = math.Max(maxX, quad[i])
		minY = math.Min(minY, quad[i+1])
		maxY = math.Max(maxY, quad[i+1])
	}
	return browser.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}
