// internal/browser/cdp/element.go
package cdp

import (
	"context"
	"errors"
	"fmt"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

const dragSteps = 10

// Page-side helpers. Each is called with the element as this.
const (
	fillFunction = `function(value) {
  if (this.isContentEditable) {
    this.focus();
    this.textContent = value;
    this.dispatchEvent(new Event('input', { bubbles: true }));
    return;
  }
  const tag = this.tagName;
  if (tag !== 'INPUT' && tag !== 'TEXTAREA' && tag !== 'SELECT') {
    throw new Error('Element is not an <input>, <textarea> or <select> element');
  }
  this.focus();
  const proto = tag === 'TEXTAREA' ? HTMLTextAreaElement.prototype
    : tag === 'SELECT' ? HTMLSelectElement.prototype : HTMLInputElement.prototype;
  Object.getOwnPropertyDescriptor(proto, 'value').set.call(this, value);
  this.dispatchEvent(new Event('input', { bubbles: true }));
  this.dispatchEvent(new Event('change', { bubbles: true }));
}`

	selectFunction = `function(values) {
  if (this.tagName !== 'SELECT') throw new Error('Element is not a <select> element');
  const wanted = new Set(values);
  const options = Array.from(this.options);
  let matched = 0;
  for (const o of options) {
    o.selected = wanted.has(o.value) || wanted.has(o.label) || wanted.has(o.text.trim());
    if (o.selected) matched++;
    if (o.selected && !this.multiple) {
      for (const rest of options) if (rest !== o) rest.selected = false;
      break;
    }
  }
  if (matched === 0 && values.length > 0) throw new Error('No options matched: ' + values.join(', '));
  this.dispatchEvent(new Event('input', { bubbles: true }));
  this.dispatchEvent(new Event('change', { bubbles: true }));
  return options.filter(o => o.selected).map(o => o.value);
}`

	checkedFunction = `function() {
  if (this.getAttribute('role') && this.hasAttribute('aria-checked')) return this.getAttribute('aria-checked') === 'true';
  if (!('checked' in this)) throw new Error('Element is not a checkbox or radio input');
  return this.checked;
}`

	clickFunction = `function() { this.click(); }`
)

// Element is a DOM node addressed by its backend node id, which stays
// stable for the node's lifetime.
type Element struct {
	page *Page
	id   cdproto.BackendNodeID
	ref  string
}

var _ browser.Element = (*Element)(nil)

func (e *Element) describe(ctx context.Context) error {
	_, err := dom.DescribeNode().WithBackendNodeID(e.id).Do(ctx)
	return err
}

func (e *Element) notFound(err error) error {
	if errors.Is(err, browser.ErrConnectionLost) || errors.Is(err, ErrPageClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", browser.ErrElementNotFound, e.ref, err)
}

// callOn runs function with the element as this and returns its JSON value.
func (e *Element) callOn(ctx context.Context, function string, args ...any) (any, error) {
	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument: %w", err)
		}
		callArgs = append(callArgs, &runtime.CallArgument{Value: raw})
	}

	var out any
	var resolveErr error
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(e.id).Do(ctx)
		if err != nil {
			resolveErr = err
			return err
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

		res, exc, err := runtime.CallFunctionOn(function).
			WithObjectID(obj.ObjectID).
			WithArguments(callArgs).
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
	if resolveErr != nil {
		return nil, e.notFound(err)
	}
	return out, err
}

// center scrolls the element into view and returns the middle of its
// content box in viewport coordinates.
func (e *Element) center(ctx context.Context) (float64, float64, error) {
	var x, y float64
	var boxErr error
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// Best effort; the box model below is authoritative.
		_ = dom.ScrollIntoViewIfNeeded().WithBackendNodeID(e.id).Do(ctx)
		box, err := dom.GetBoxModel().WithBackendNodeID(e.id).Do(ctx)
		if err != nil {
			boxErr = err
			return err
		}
		var ok bool
		if x, y, ok = boxCenter(box.Content); !ok {
			boxErr = errors.New("element has no layout box")
			return boxErr
		}
		return nil
	}))
	if boxErr != nil {
		if e.page.run(ctx, chromedp.ActionFunc(e.describe)) != nil {
			return 0, 0, e.notFound(boxErr)
		}
		return 0, 0, fmt.Errorf("element %s is not visible: %w", e.ref, boxErr)
	}
	return x, y, err
}

func (e *Element) Click(ctx context.Context, opts browser.ClickOptions) error {
	x, y, err := e.center(ctx)
	if err != nil {
		return err
	}
	return e.page.MouseClick(ctx, x, y, opts)
}

func (e *Element) Hover(ctx context.Context) error {
	x, y, err := e.center(ctx)
	if err != nil {
		return err
	}
	return e.page.MouseMove(ctx, x, y, 1)
}

func (e *Element) Fill(ctx context.Context, value string) error {
	if _, err := e.callOn(ctx, fillFunction, value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", e.ref, err)
	}
	return nil
}

func (e *Element) Type(ctx context.Context, text string) error {
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := dom.Focus().WithBackendNodeID(e.id).Do(ctx); err != nil {
			return e.notFound(err)
		}
		return chromedp.KeyEvent(text).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to type into %s: %w", e.ref, err)
	}
	return nil
}

func (e *Element) SelectOptions(ctx context.Context, values []string) ([]string, error) {
	if values == nil {
		values = []string{}
	}
	res, err := e.callOn(ctx, selectFunction, values)
	if err != nil {
		return nil, fmt.Errorf("failed to select options in %s: %w", e.ref, err)
	}
	raw, _ := res.([]any)
	selected := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

// SetChecked clicks the element when its state differs, the way a user
// would, and falls back to a scripted click for visually hidden inputs.
func (e *Element) SetChecked(ctx context.Context, checked bool) error {
	state := func() (bool, error) {
		v, err := e.callOn(ctx, checkedFunction)
		if err != nil {
			return false, err
		}
		b, _ := v.(bool)
		return b, nil
	}

	current, err := state()
	if err != nil {
		return fmt.Errorf("failed to read checked state of %s: %w", e.ref, err)
	}
	if current == checked {
		return nil
	}
	if err := e.Click(ctx, browser.ClickOptions{}); err != nil {
		if _, jsErr := e.callOn(ctx, clickFunction); jsErr != nil {
			return fmt.Errorf("failed to toggle %s: %w", e.ref, err)
		}
	}
	if current, err = state(); err != nil {
		return fmt.Errorf("failed to read checked state of %s: %w", e.ref, err)
	}
	if current != checked {
		return fmt.Errorf("element %s did not change its checked state", e.ref)
	}
	return nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	err := e.page.run(ctx, dom.ScrollIntoViewIfNeeded().WithBackendNodeID(e.id))
	if err != nil {
		return e.notFound(err)
	}
	return nil
}

func (e *Element) BoundingBox(ctx context.Context) (browser.Rect, error) {
	var rect browser.Rect
	var boxErr error
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		box, err := dom.GetBoxModel().WithBackendNodeID(e.id).Do(ctx)
		if err != nil {
			boxErr = err
			return err
		}
		var ok bool
		if rect, ok = quadRect(box.Border); !ok {
			boxErr = errors.New("element has no layout box")
			return boxErr
		}
		return nil
	}))
	if boxErr != nil {
		return browser.Rect{}, e.notFound(boxErr)
	}
	return rect, err
}

func (e *Element) Evaluate(ctx context.Context, function string) (any, error) {
	// The function travels as source text and is rebuilt in the page.
	wrapper := `function() { return (` + function + `)(this); }`
	return e.callOn(ctx, wrapper)
}

func (e *Element) DragTo(ctx context.Context, dst browser.Element) error {
	target, ok := dst.(*Element)
	if !ok || target.page != e.page {
		return errors.New("drag target must be an element of the same page")
	}
	fromX, fromY, err := e.center(ctx)
	if err != nil {
		return err
	}
	if err := e.page.MouseMove(ctx, fromX, fromY, 1); err != nil {
		return err
	}
	if err := e.page.MouseDown(ctx, browser.ButtonLeft); err != nil {
		return err
	}
	toX, toY, err := target.center(ctx)
	if err != nil {
		_ = e.page.MouseUp(ctx, browser.ButtonLeft)
		return err
	}
	if err := e.page.MouseMove(ctx, toX, toY, dragSteps); err != nil {
		_ = e.page.MouseUp(ctx, browser.ButtonLeft)
		return err
	}
	return e.page.MouseUp(ctx, browser.ButtonLeft)
}

func (e *Element) Screenshot(ctx context.Context, format browser.ImageFormat) ([]byte, error) {
	if err := e.ScrollIntoView(ctx); err != nil {
		return nil, err
	}
	rect, err := e.BoundingBox(ctx)
	if err != nil {
		return nil, err
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return nil, fmt.Errorf("element %s has an empty box", e.ref)
	}

	var buf []byte
	err = e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().
			WithFormat(captureFormat(format)).
			WithCaptureBeyondViewport(true).
			WithClip(&page.Viewport{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height, Scale: 1})
		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to capture %s: %w", e.ref, err)
	}
	return buf, nil
}
