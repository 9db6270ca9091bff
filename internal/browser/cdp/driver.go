// internal/browser/cdp/driver.go
package cdp

import (
	"context"
	"fmt"
	"strings"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

const defaultStartTimeout = 30 * time.Second

// Driver launches or attaches to Chrome over the DevTools protocol.
type Driver struct {
	logger *zap.Logger
}

var _ browser.Driver = (*Driver)(nil)

func NewDriver(logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{logger: logger.Named("cdp")}
}

// Launch starts a new Chrome process owned by the returned Browser.
func (d *Driver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(opts)...)
	d.logger.Info("Launching browser.",
		zap.Bool("headless", opts.Headless),
		zap.String("exec_path", opts.ExecPath),
		zap.String("user_data_dir", opts.UserDataDir))
	return d.start(ctx, allocCtx, allocCancel, true, opts.Timeout)
}

// Connect attaches to a browser that is already running.
func (d *Driver) Connect(ctx context.Context, endpoint string) (browser.Browser, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("failed to connect: empty endpoint")
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(Detach(ctx), endpoint, remoteOptions(endpoint)...)
	d.logger.Info("Connecting to browser.", zap.String("endpoint", endpoint))
	return d.start(ctx, allocCtx, allocCancel, false, 0)
}

// remoteOptions keeps a websocket endpoint as given. chromedp otherwise
// rewrites anything that is not a /devtools/browser/ URL to /json/version.
func remoteOptions(endpoint string) []chromedp.RemoteAllocatorOption {
	lower := strings.ToLower(endpoint)
	isWS := strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
	if isWS && !strings.Contains(lower, "/devtools/browser/") {
		return []chromedp.RemoteAllocatorOption{chromedp.NoModifyURL}
	}
	return nil
}

func (d *Driver) start(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc, owned bool, timeout time.Duration) (*Browser, error) {
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	sugar := d.logger.Sugar()
	bctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)
	b := &Browser{
		logger:      d.logger,
		ctx:         bctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		owned:       owned,
	}
	chromedp.ListenBrowser(bctx, b.onEvent)

	startCtx, startCancel := context.WithTimeout(ctx, timeout)
	defer startCancel()
	bootstrap := chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		b.anchor = c.Target.TargetID
		info, err := target.GetTargetInfo().WithTargetID(b.anchor).Do(ctx)
		if err != nil {
			return err
		}
		b.defaultContext = info.BrowserContextID
		return target.SetDiscoverTargets(true).Do(cdproto.WithExecutor(ctx, c.Browser))
	})
	if err := runFirst(startCtx, bctx, cancel, bootstrap); err != nil {
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	d.logger.Info("Browser connected.",
		zap.Bool("owned", owned),
		zap.String("default_context", string(b.defaultContext)))
	return b, nil
}

// runFirst performs the first Run on a fresh chromedp context. That Run
// binds the target's event loop to cctx itself, so the caller's deadline is
// enforced from outside and cctx is cancelled when it expires.
func runFirst(ctx, cctx context.Context, cancel context.CancelFunc, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(cctx, actions...) }()
	select {
	case err := <-done:
		if err != nil {
			cancel()
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}
