// internal/browser/cdp/options.go
package cdp

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

// chromeFlags returns the command-line flags layered over chromedp's
// defaults. A false value removes a default flag.
func chromeFlags(opts browser.LaunchOptions) map[string]any {
	flags := map[string]any{
		// Hide navigator.webdriver and the automation infobar.
		"enable-automation":      false,
		"disable-blink-features": "AutomationControlled",
		"disable-extensions":     true,
		"headless":               opts.Headless,
	}
	if opts.Headless {
		flags["hide-scrollbars"] = true
	}
	if opts.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", opts.Viewport.Width, opts.Viewport.Height)
	}
	if opts.UserDataDir != "" {
		flags["user-data-dir"] = opts.UserDataDir
	}

	for _, arg := range opts.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	// Containers on Linux rarely allow the sandbox or a large /dev/shm.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}
	return flags
}

// allocatorOptions assembles the exec allocator options for a launch.
func allocatorOptions(opts browser.LaunchOptions) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range chromeFlags(opts) {
		out = append(out, chromedp.Flag(name, value))
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	return out
}
