// internal/tools/inspect.go
package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
)

func inspectionTools() []Definition {
	return []Definition{
		{
			Name: "browser_snapshot",
			Description: "Capture accessibility snapshot of the current page. Returns a structured text " +
				"representation of the page's accessibility tree, with element references (refs) " +
				"that can be used to interact with elements.",
			Schema: object(nil, map[string]any{
				"allRefs": prop("boolean", "Include refs for all interactive elements, bypassing compact mode. "+
					"Use when page has many elements and you need to interact with "+
					"Tier 2 (contextually interactive) elements.", "default", false),
			}),
			Run: takeSnapshot,
		},
		{
			Name: "browser_console_messages",
			Description: "Returns all console messages logged since the page was loaded. Messages are filtered " +
				"by level: 'error' (errors only), 'warning' (errors + warnings), 'info' (default, " +
				"includes log), 'debug' (all messages).",
			Schema: object(nil, map[string]any{
				"level": prop("string", "Minimum log level to include. Each level includes more severe levels.",
					"enum", []string{"error", "warning", "info", "debug"}, "default", "info"),
			}),
			Run: consoleMessages,
		},
		{
			Name: "browser_network_requests",
			Description: "Returns all network requests made since loading the page. By default, excludes " +
				"successful static resources (images, fonts, scripts). Set includeStatic: true " +
				"to see all requests.",
			Schema: object(nil, map[string]any{
				"includeStatic": prop("boolean", "Include successful static resources like images, fonts, and scripts", "default", false),
			}),
			Run: networkRequests,
		},
		{
			Name: "browser_take_screenshot",
			Description: "Take a screenshot of the current page. Can capture the viewport, full page, " +
				"or a specific element. Use browser_snapshot for interacting with elements.",
			Schema: object(nil, map[string]any{
				"ref":      prop("string", "Element reference to screenshot (optional, screenshots viewport if not provided)"),
				"element":  prop("string", "Human-readable element description (required if ref is provided)"),
				"filename": prop("string", "Filename to save the screenshot. Defaults to page-{timestamp}.{ext}"),
				"fullPage": prop("boolean", "Capture full scrollable page instead of viewport", "default", false),
				"type":     prop("string", "Image format", "enum", []string{"png", "jpeg"}, "default", "png"),
			}),
			Run: takeScreenshot,
		},
		{
			Name: "browser_evaluate",
			Description: "Execute JavaScript in the page context. When an element ref is provided, " +
				"the function receives that element as its first argument. Returns the " +
				"serialized result of the expression.",
			Schema: object([]string{"function"}, map[string]any{
				"function": prop("string", "JavaScript function or expression to execute. Use `() => { /* code */ }` for page-level code "+
					"or `(element) => { /* code */ }` when element ref is provided."),
				"ref":     prop("string", "Element reference from browser_snapshot. When provided, the element will be passed to the function."),
				"element": prop("string", "Human-readable description of the element. Required if ref is provided."),
			}),
			Mutates: true,
			Run:     evaluate,
		},
	}
}

func takeSnapshot(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		AllRefs bool `json:"allRefs"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	snap, _, err := env.Manager.CaptureSnapshot(actx, p.AllRefs)
	if err != nil {
		return nil, executionFailed(err, "%v", err)
	}
	return TextResult(snap.Render()), nil
}

func consoleMessages(_ context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Level string `json:"level"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Level == "" {
		p.Level = "info"
	}
	level, err := session.ParseConsoleLevel(p.Level)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	cs, _, err := activePage(env)
	if err != nil {
		return nil, err
	}

	msgs := cs.ConsoleMessages(level)
	header := fmt.Sprintf("Console messages (level >= %s):\n\n", level)
	if len(msgs) == 0 {
		return TextResult(header + "No console messages captured."), nil
	}
	return TextResult(header + prettyJSON(msgs)), nil
}

func networkRequests(_ context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		IncludeStatic bool `json:"includeStatic"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	cs, _, err := activePage(env)
	if err != nil {
		return nil, err
	}

	reqs := cs.NetworkRequests(p.IncludeStatic)
	if len(reqs) == 0 {
		return TextResult("No network requests recorded."), nil
	}
	filter := ""
	if !p.IncludeStatic {
		filter = ", excluding static resources"
	}
	return TextResult(fmt.Sprintf("Network requests (%d total%s):\n\n%s", len(reqs), filter, prettyJSON(reqs))), nil
}

func takeScreenshot(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Ref      string `json:"ref"`
		Element  string `json:"element"`
		Filename string `json:"filename"`
		FullPage bool   `json:"fullPage"`
		Type     string `json:"type"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Ref != "" && p.Element == "" {
		return nil, invalidParams("Element description required when ref is provided")
	}
	if p.FullPage && p.Ref != "" {
		return nil, invalidParams("fullPage cannot be used with element screenshots")
	}
	format := browser.ImagePNG
	switch strings.ToLower(p.Type) {
	case "", "png":
	case "jpeg", "jpg":
		format = browser.ImageJPEG
	default:
		return nil, invalidParams("unknown image type %q (expected png or jpeg)", p.Type)
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()

	var (
		data    []byte
		desc    string
		warning string
	)
	if p.Ref != "" {
		r, err := resolveRef(ctx, env, p.Ref)
		if err != nil {
			return nil, err
		}
		warning = r.Warning()
		desc = fmt.Sprintf("element '%s'", p.Element)
		if data, err = r.Element.Screenshot(actx, format); err != nil {
			return nil, executionFailed(err, "Element screenshot failed: %v", err)
		}
	} else {
		_, page, err := activePage(env)
		if err != nil {
			return nil, err
		}
		desc = "viewport"
		if p.FullPage {
			desc = "full page"
		}
		if data, err = page.Screenshot(actx, browser.ScreenshotOptions{Format: format, FullPage: p.FullPage}); err != nil {
			return nil, executionFailed(err, "Screenshot failed: %v", err)
		}
	}

	filename := p.Filename
	if filename == "" {
		filename = fmt.Sprintf("page-%d.%s", env.now().UnixMilli(), format)
	}
	encoded := base64.StdEncoding.EncodedLen(len(data))

	shotCfg := env.Config.Screenshot()
	if shotCfg.ImageResponses == config.ImageResponseOmit {
		out := fmt.Sprintf("Screenshot of %s captured (%d bytes, base64 encoded: %d chars); image responses are disabled", desc, len(data), encoded)
		return TextResult(withWarning(out, warning)), nil
	}

	path, err := screenshotPath(shotCfg.Dir, filename)
	if err != nil {
		return nil, executionFailed(err, "Failed to save screenshot: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, executionFailed(err, "Failed to save screenshot: %v", err)
	}
	env.Logger.Debug("Screenshot saved.", zap.String("path", path), zap.Int("bytes", len(data)))

	out := fmt.Sprintf("Screenshot of %s saved as %s (%d bytes, base64 encoded: %d chars)", desc, path, len(data), encoded)
	res := TextResult(withWarning(out, warning))
	if shotCfg.ImageResponses == config.ImageResponseInline {
		res.withImage(data, format.MimeType())
	}
	return res, nil
}

// screenshotPath places relative names under dir, creating it as needed.
// Absolute names are used as given.
func screenshotPath(dir, filename string) (string, error) {
	name, err := homedir.Expand(filename)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(name) {
		base, err := homedir.Expand(dir)
		if err != nil {
			return "", err
		}
		name = filepath.Join(base, name)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return name, nil
}

func evaluate(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Function string `json:"function"`
		Ref      string `json:"ref"`
		Element  string `json:"element"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Function) == "" {
		return nil, invalidParams("function is required")
	}
	if p.Ref != "" && p.Element == "" {
		return nil, invalidParams("element description is required when ref is provided")
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()

	var (
		value   any
		err     error
		warning string
	)
	fn := asFunction(p.Function)
	if p.Ref != "" {
		r, rerr := resolveRef(ctx, env, p.Ref)
		if rerr != nil {
			return nil, rerr
		}
		warning = r.Warning()
		value, err = r.Element.Evaluate(actx, fn)
		r.Context.Invalidate()
	} else {
		cs, page, perr := activePage(env)
		if perr != nil {
			return nil, perr
		}
		value, err = page.Evaluate(actx, fn)
		cs.Invalidate()
	}
	if err != nil {
		return nil, executionFailed(err, "JavaScript evaluation failed: %v", err)
	}

	rendered := formatValue(value)
	if p.Ref != "" {
		return TextResult(withWarning(fmt.Sprintf("Evaluated on %s [ref=%s]: %s", p.Element, p.Ref, rendered), warning)), nil
	}
	return TextResult(fmt.Sprintf("Evaluation result: %s", rendered)), nil
}

// asFunction turns a bare expression into a function so both forms can be
// called the same way.
func asFunction(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, "function") || strings.HasPrefix(s, "async ") || strings.HasPrefix(s, "async(") {
		return s
	}
	if i := strings.Index(s, "=>"); i > 0 {
		head := strings.TrimSpace(s[:i])
		if isIdentifier(head) || (strings.HasPrefix(head, "(") && strings.HasSuffix(head, ")")) {
			return s
		}
	}
	return "() => (" + s + ")"
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	}
	return prettyJSON(v)
}
