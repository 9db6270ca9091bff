// internal/tools/navigation.go
package tools

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

const (
	maxWaitSeconds      = 60
	maxViewportPixels   = 16384
	textPollingInterval = 100 * time.Millisecond
)

func navigationTools() []Definition {
	return []Definition{
		{
			Name:        "browser_navigate",
			Description: "Navigate to a URL in the browser. The page will wait for the load event before returning.",
			Schema: object([]string{"url"}, map[string]any{
				"url": prop("string", "The URL to navigate to"),
			}),
			Mutates: true,
			Run:     navigate,
		},
		{
			Name:        "browser_navigate_back",
			Description: "Navigate back to the previous page in the browser history.",
			Schema:      object(nil, map[string]any{}),
			Mutates:     true,
			Run:         navigateBack,
		},
		{
			Name: "browser_wait_for",
			Description: "Wait for a condition: text to appear, text to disappear, or a specified time to pass. " +
				"Only one of text, textGone, or time should be provided.",
			Schema: object(nil, map[string]any{
				"text":     prop("string", "Text to wait for to appear on the page"),
				"textGone": prop("string", "Text to wait for to disappear from the page"),
				"time":     prop("number", "Time to wait in seconds"),
			}),
			Mutates: true,
			Run:     waitFor,
		},
		{
			Name: "browser_handle_dialog",
			Description: "Handle a browser dialog (alert, confirm, prompt, or beforeunload). " +
				"Use accept: true to accept/confirm the dialog, or accept: false to dismiss/cancel. " +
				"For prompt dialogs, use promptText to provide the input value.",
			Schema: object([]string{"accept"}, map[string]any{
				"accept":     prop("boolean", "Whether to accept (true) or dismiss (false) the dialog"),
				"promptText": prop("string", "Text to enter in the prompt dialog (only used for prompt dialogs)"),
			}),
			Mutates: true,
			Run:     handleDialog,
		},
		{
			Name: "browser_resize",
			Description: "Resize the browser viewport to the specified dimensions. " +
				"This affects how the page is rendered and can trigger responsive layouts.",
			Schema: object([]string{"width", "height"}, map[string]any{
				"width":  prop("number", "Width of the viewport in pixels", "minimum", 1),
				"height": prop("number", "Height of the viewport in pixels", "minimum", 1),
			}),
			Mutates: true,
			Run:     resize,
		},
		{
			Name: "browser_close",
			Description: "Close the current page. If there are multiple pages open, this closes only the " +
				"active page. The browser context remains open with any remaining pages.",
			Schema:  object(nil, map[string]any{}),
			Mutates: true,
			Run:     closePage,
		},
	}
}

func navigate(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, invalidParams("url is required")
	}

	cs, err := env.Manager.ActiveContext()
	if err != nil {
		return nil, browserUnavailable(err)
	}
	page, err := cs.EnsurePage(ctx)
	if err != nil {
		return nil, executionFailed(err, "Failed to create page: %v", err)
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.Navigate(actx, p.URL); err != nil {
		return nil, executionFailed(err, "Navigation failed: %v", err)
	}
	cs.SetCurrentURL(p.URL)
	return TextResult(fmt.Sprintf("Navigated to %s", p.URL)), nil
}

func navigateBack(ctx context.Context, env *Env, _ json.RawMessage) (*Result, error) {
	cs, page, err := activePage(env)
	if err != nil {
		return nil, err
	}
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.GoBack(actx); err != nil {
		return nil, executionFailed(err, "Navigation back failed: %v", err)
	}
	url := page.URL()
	if url == "" {
		cs.Invalidate()
		return TextResult("Navigated back"), nil
	}
	cs.SetCurrentURL(url)
	return TextResult(fmt.Sprintf("Navigated back to %s", url)), nil
}

func waitFor(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Text     *string  `json:"text"`
		TextGone *string  `json:"textGone"`
		Time     *float64 `json:"time"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	conditions := 0
	for _, set := range []bool{p.Text != nil, p.TextGone != nil, p.Time != nil} {
		if set {
			conditions++
		}
	}
	switch {
	case conditions == 0:
		return nil, invalidParams("At least one of text, textGone, or time must be provided")
	case conditions > 1:
		return nil, invalidParams("Only one of text, textGone, or time should be provided")
	}

	if p.Time != nil {
		seconds := *p.Time
		if seconds < 0 {
			return nil, invalidParams("Time must be a positive number")
		}
		if seconds > maxWaitSeconds {
			return nil, invalidParams("Time cannot exceed %d seconds", maxWaitSeconds)
		}
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return TextResult(fmt.Sprintf("Waited for %g seconds", seconds)), nil
	}

	_, page, err := activePage(env)
	if err != nil {
		return nil, err
	}
	text, gone := "", false
	if p.Text != nil {
		text = *p.Text
	} else {
		text, gone = *p.TextGone, true
	}
	predicate, err := textPredicate(text, gone)
	if err != nil {
		return nil, executionFailed(err, "%v", err)
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.WaitForFunction(actx, predicate, textPollingInterval); err != nil {
		if gone {
			return nil, &ToolError{Kind: KindTimeout, Message: fmt.Sprintf("Timeout waiting for text '%s' to disappear: %v", text, err), Err: err}
		}
		return nil, &ToolError{Kind: KindTimeout, Message: fmt.Sprintf("Timeout waiting for text '%s': %v", text, err), Err: err}
	}
	if gone {
		return TextResult(fmt.Sprintf("Text '%s' disappeared from page", text)), nil
	}
	return TextResult(fmt.Sprintf("Text '%s' appeared on page", text)), nil
}

// textPredicate builds a page function testing whether the body text
// contains text.
func textPredicate(text string, gone bool) (string, error) {
	literal, err := json.Marshal(text)
	if err != nil {
		return "", fmt.Errorf("failed to encode text: %w", err)
	}
	negate := ""
	if gone {
		negate = "!"
	}
	return fmt.Sprintf("() => %sdocument.body.innerText.includes(%s)", negate, literal), nil
}

func handleDialog(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Accept     *bool   `json:"accept"`
		PromptText *string `json:"promptText"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Accept == nil {
		return nil, invalidParams("accept is required")
	}
	_, page, err := activePage(env)
	if err != nil {
		return nil, err
	}

	resp := browser.DialogResponse{Accept: *p.Accept}
	if p.PromptText != nil {
		resp.PromptText = *p.PromptText
	}
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.ArmDialog(actx, resp); err != nil {
		return nil, executionFailed(err, "Failed to handle dialog: %v", err)
	}

	switch {
	case !resp.Accept:
		return TextResult("Dialog handler configured: will dismiss next dialog"), nil
	case p.PromptText != nil:
		return TextResult(fmt.Sprintf("Dialog handler configured: will accept next dialog with text '%s'", resp.PromptText)), nil
	}
	return TextResult("Dialog handler configured: will accept next dialog"), nil
}

func resize(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	for _, dim := range []struct {
		name  string
		value float64
	}{{"Width", p.Width}, {"Height", p.Height}} {
		if dim.value < 1 {
			return nil, invalidParams("%s must be greater than 0", dim.name)
		}
		if dim.value > maxViewportPixels {
			return nil, invalidParams("%s cannot exceed %d pixels", dim.name, maxViewportPixels)
		}
	}
	_, page, err := activePage(env)
	if err != nil {
		return nil, err
	}

	vp := browser.Viewport{Width: int(p.Width), Height: int(p.Height)}
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.SetViewport(actx, vp); err != nil {
		return nil, executionFailed(err, "Failed to resize viewport: %v", err)
	}
	return TextResult(fmt.Sprintf("Resized viewport to %dx%d pixels", vp.Width, vp.Height)), nil
}

func closePage(ctx context.Context, env *Env, _ json.RawMessage) (*Result, error) {
	cs, err := env.Manager.ActiveContext()
	if err != nil {
		return nil, browserUnavailable(err)
	}
	total := len(cs.Pages())
	index := cs.ActiveIndex()
	if total == 0 || index < 0 {
		return nil, &ToolError{Kind: KindBrowserUnavailable, Message: "No pages to close"}
	}

	url, err := cs.ClosePage(ctx, index)
	if err != nil {
		return nil, executionFailed(err, "Failed to close page: %v", err)
	}
	urlInfo := ""
	if url != "" {
		urlInfo = fmt.Sprintf(" (%s)", url)
	}
	remaining := ", no pages remaining"
	if n := total - 1; n > 0 {
		remaining = fmt.Sprintf(", %d page(s) remaining", n)
	}
	return TextResult(fmt.Sprintf("Closed page%s%s", urlInfo, remaining)), nil
}
