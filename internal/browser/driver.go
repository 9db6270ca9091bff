// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors a driver implementation reports so callers can branch
// without inspecting transport-specific messages.
var (
	// ErrConnectionLost means the browser process or its debugging socket is gone.
	ErrConnectionLost = errors.New("browser connection lost")
	// ErrElementNotFound means a ref no longer resolves to a node in the page.
	ErrElementNotFound = errors.New("element not found")
	// ErrNoDialog is returned when a dialog action finds nothing to act on.
	ErrNoDialog = errors.New("no dialog is showing")
	// ErrNoFileInput means the page has no file input to receive files.
	ErrNoFileInput = errors.New("no file input element found")
	// ErrScriptException wraps an exception thrown by page JavaScript. Its
	// message is authored by the page.
	ErrScriptException = errors.New("evaluation failed")
)

// Driver creates browser connections. It either launches a new process
// or attaches to one that is already running.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
	// Connect attaches to a running browser. ws:// and wss:// endpoints are
	// dialed directly, http(s):// endpoints are resolved through /json/version.
	Connect(ctx context.Context, endpoint string) (Browser, error)
}

// LaunchOptions controls a locally launched browser process.
type LaunchOptions struct {
	Headless        bool
	ExecPath        string
	UserDataDir     string
	Args            []string
	IgnoreTLSErrors bool
	Viewport        Viewport
	Timeout         time.Duration
}

// Browser is a single connection to a browser process.
type Browser interface {
	// NewContext creates an isolated browsing context (cookies, storage, cache).
	NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error)
	// Close tears down the connection. For an owned browser the process exits.
	Close(ctx context.Context) error
	// Owned reports whether the process was launched by us rather than attached to.
	Owned() bool
}

// ContextOptions configures a new browser context.
type ContextOptions struct {
	Proxy        *Proxy
	StorageState *StorageState
	Viewport     Viewport
	// Persistent reuses the browser's own profile instead of an isolated
	// one, so a user data dir carries over. It cannot be combined with Proxy.
	Persistent bool
}

// Proxy is an upstream proxy for one browser context.
type Proxy struct {
	Server   string
	Username string
	Password string
	Bypass   string
}

// BrowserContext is an isolated profile holding zero or more pages.
type BrowserContext interface {
	ID() string
	// Pages returns the live pages in creation order.
	Pages() []Page
	NewPage(ctx context.Context) (Page, error)
	// OnPage registers fn for every page created after the call, including
	// popups opened by the page itself. The returned func unsubscribes.
	OnPage(fn func(Page)) (unsubscribe func())
	// OnPageActivated registers fn for pages that gain focus. fn runs on the
	// driver's event goroutine and must not block.
	OnPageActivated(fn func(PageEvent)) (unsubscribe func())
	StorageState(ctx context.Context) (*StorageState, error)
	Close(ctx context.Context) error
}

// PageEvent identifies a page by target ID at the moment an event fired.
type PageEvent struct {
	TargetID string
	URL      string
	At       time.Time
}

// Page is a single tab.
type Page interface {
	TargetID() string
	// URL is the last committed URL known to the driver. It does not block.
	URL() string
	Title(ctx context.Context) (string, error)

	Navigate(ctx context.Context, url string) error
	GoBack(ctx context.Context) error

	// AccessibilityTree returns the page's full accessibility tree. A nil
	// tree with a nil error means the page exposed nothing.
	AccessibilityTree(ctx context.Context) (*AXNode, error)
	// Locate resolves a driver-native ref ("e123"). A ref that no longer
	// points at a live node yields ErrElementNotFound.
	Locate(ctx context.Context, ref string) (Element, error)

	// Evaluate runs a JavaScript function expression, awaiting promises, and
	// returns its JSON-decoded result.
	Evaluate(ctx context.Context, function string) (any, error)
	// WaitForFunction polls a predicate function until it returns truthy.
	WaitForFunction(ctx context.Context, function string, interval time.Duration) error

	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	SetViewport(ctx context.Context, vp Viewport) error

	// PressKey dispatches a key or a "+"-joined combination such as "Control+a".
	PressKey(ctx context.Context, key string) error
	MouseMove(ctx context.Context, x, y float64, steps int) error
	MouseClick(ctx context.Context, x, y float64, opts ClickOptions) error
	MouseDown(ctx context.Context, button MouseButton) error
	MouseUp(ctx context.Context, button MouseButton) error

	// WaitForNavigation blocks until a navigation commits and loads, or ctx ends.
	WaitForNavigation(ctx context.Context) error
	// WaitForNetworkIdle blocks until no requests have been in flight for a
	// short quiet period, or ctx ends.
	WaitForNetworkIdle(ctx context.Context) error

	// ArmDialog sets how the next JavaScript dialog is answered. If a dialog
	// is already open it is answered immediately.
	ArmDialog(ctx context.Context, d DialogResponse) error
	// SetInputFiles puts files on the page's first file input, hidden ones
	// included. An empty list clears the selection. A page without a file
	// input yields ErrNoFileInput.
	SetInputFiles(ctx context.Context, files []string) error

	OnConsole(fn func(ConsoleMessage)) (unsubscribe func())
	OnRequest(fn func(NetworkRequest)) (unsubscribe func())

	Close(ctx context.Context) error
}

// Element is a located DOM node.
type Element interface {
	Click(ctx context.Context, opts ClickOptions) error
	Hover(ctx context.Context) error
	// Fill replaces the element's value in one step.
	Fill(ctx context.Context, value string) error
	// Type sends text one key at a time after focusing the element.
	Type(ctx context.Context, text string) error
	// SelectOptions selects options in a <select> by value or label and
	// returns the values that ended up selected.
	SelectOptions(ctx context.Context, values []string) ([]string, error)
	SetChecked(ctx context.Context, checked bool) error
	ScrollIntoView(ctx context.Context) error
	BoundingBox(ctx context.Context) (Rect, error)
	// Evaluate calls function with the element as its only argument.
	Evaluate(ctx context.Context, function string) (any, error)
	DragTo(ctx context.Context, target Element) error
	// Screenshot captures just the element's box.
	Screenshot(ctx context.Context, format ImageFormat) ([]byte, error)
}
