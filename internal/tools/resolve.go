// internal/tools/resolve.go
package tools

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
)

// activePage returns the active context and its active page.
func activePage(env *Env) (*session.ContextState, browser.Page, error) {
	cs, err := env.Manager.ActiveContext()
	if err != nil {
		return nil, nil, browserUnavailable(err)
	}
	page := cs.ActivePage()
	if page == nil {
		return cs, nil, errNoActivePage
	}
	return cs, page, nil
}

// resolveRef locates ref in its page after checking it against the last
// snapshot the caller saw.
func resolveRef(ctx context.Context, env *Env, ref string) (*session.Resolved, error) {
	r, err := env.Manager.ResolveRef(ctx, ref)
	if err != nil {
		return nil, refError(ref, err)
	}
	return r, nil
}

// settle gives the page a bounded chance to react to an action. Running out
// of time is not a failure.
//
// Actions that may navigate race the next load against network idle under
// the navigation timeout: a navigation keeps the network busy until it
// loads, and an action that did not navigate goes quiet quickly. Other
// actions only wait for network idle under the settle timeout.
func settle(ctx context.Context, env *Env, page browser.Page, mayNavigate bool) {
	netCfg := env.Config.Network()
	timeout := netCfg.SettleTimeout
	waits := []func(context.Context) error{page.WaitForNetworkIdle}
	if mayNavigate {
		timeout = netCfg.NavigationTimeout
		waits = append(waits, page.WaitForNavigation)
	}
	if timeout <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results := make(chan error, len(waits))
	for _, wait := range waits {
		go func() { results <- wait(wctx) }()
	}
	var err error
	received := 0
	for received < len(waits) {
		err = <-results
		received++
		if err == nil {
			break
		}
	}
	cancel()
	// No wait outlives the call.
	for ; received < len(waits); received++ {
		<-results
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		env.Logger.Debug("Page did not settle after action.", zap.Bool("navigation", mayNavigate), zap.Error(err))
		return
	}
	env.Logger.Debug("Page settled after action.", zap.Bool("navigation", mayNavigate), zap.Duration("elapsed", time.Since(start)))
}

// actionContext bounds a single element action by the configured timeout.
func actionContext(ctx context.Context, env *Env) (context.Context, context.CancelFunc) {
	if t := env.Config.Network().ActionTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}
