// internal/tools/inspect_test.go
package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
)

func TestSnapshotTool(t *testing.T) {
	t.Run("should render the outline with refs", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()
		p.SetTree(loginPage())

		out := h.mustCall("browser_snapshot", `{}`)
		assert.Contains(t, out, "Page snapshot (")
		assert.Contains(t, out, `button "Sign in" [ref=e5]`)
		assert.Contains(t, out, `textbox "Email" [ref=e1]`)
	})

	t.Run("should describe an empty page", func(t *testing.T) {
		h := newHarness(t)
		out := h.mustCall("browser_snapshot", `{}`)
		assert.Contains(t, out, "Page snapshot (")
	})
}

func TestConsoleAndNetwork(t *testing.T) {
	t.Run("should filter console messages by level", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()
		p.Log("debug", "verbose detail")
		p.Log("log", "hello")
		p.Log("error", "boom")

		out := h.mustCall("browser_console_messages", `{"level":"error"}`)
		assert.Contains(t, out, "Console messages (level >= error):\n\n")
		assert.Contains(t, out, "boom")
		assert.NotContains(t, out, "hello")

		out = h.mustCall("browser_console_messages", `{}`)
		assert.Contains(t, out, "hello")
		assert.NotContains(t, out, "verbose detail")
	})

	t.Run("should say when nothing was logged", func(t *testing.T) {
		h := newHarness(t)
		out := h.mustCall("browser_console_messages", `{"level":"debug"}`)
		assert.Equal(t, "Console messages (level >= debug):\n\nNo console messages captured.", out)

		_, err := h.call("browser_console_messages", `{"level":"loud"}`)
		toolErr(t, err, KindInvalidParams)
	})

	t.Run("should hide static requests unless asked", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()
		assert.Equal(t, "No network requests recorded.", h.mustCall("browser_network_requests", `{}`))

		p.Request(browser.NetworkRequest{URL: "https://example.com/api/login", Method: "POST", ResourceType: "fetch", Status: 200})
		p.Request(browser.NetworkRequest{URL: "https://example.com/logo.png", Method: "GET", ResourceType: "image", Status: 200})

		out := h.mustCall("browser_network_requests", `{}`)
		assert.Contains(t, out, "Network requests (1 total, excluding static resources):")
		assert.Contains(t, out, "/api/login")
		assert.NotContains(t, out, "logo.png")

		out = h.mustCall("browser_network_requests", `{"includeStatic":true}`)
		assert.Contains(t, out, "Network requests (2 total):")
		assert.Contains(t, out, "logo.png")
	})
}

func TestScreenshot(t *testing.T) {
	t.Run("should save viewport screenshots under the configured directory", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()

		out := h.mustCall("browser_take_screenshot", `{}`)
		path := filepath.Join(h.cfg.ScreenshotCfg.Dir, "page-1773500966000.png")
		assert.Equal(t, "Screenshot of viewport saved as "+path+" (8 bytes, base64 encoded: 12 chars)", out)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "fake-png", string(data))
		assert.Contains(t, p.Actions(), "screenshot png full=false")
	})

	t.Run("should screenshot an element by ref", func(t *testing.T) {
		h := newHarness(t)
		p := h.snapshotted()

		out := h.mustCall("browser_take_screenshot", `{"ref":"e5","element":"Sign in","filename":"button.jpeg","type":"jpeg"}`)
		assert.Contains(t, out, "Screenshot of element 'Sign in' saved as "+filepath.Join(h.cfg.ScreenshotCfg.Dir, "button.jpeg"))
		assert.Contains(t, p.Actions(), "element screenshot e5")
	})

	t.Run("should inline the image when configured", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.ScreenshotCfg.ImageResponses = config.ImageResponseInline
		h.page()

		res, err := h.call("browser_take_screenshot", `{"fullPage":true}`)
		require.NoError(t, err)
		require.Len(t, res.Content, 2)
		assert.Equal(t, "image", res.Content[1].Type)
		assert.Equal(t, "image/png", res.Content[1].MimeType)
		assert.Equal(t, "ZmFrZS1wbmc=", res.Content[1].Data)
		assert.Contains(t, res.Text(), "Screenshot of full page saved as")
	})

	t.Run("should neither save nor attach when image responses are omitted", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.ScreenshotCfg.ImageResponses = config.ImageResponseOmit
		h.page()

		res, err := h.call("browser_take_screenshot", `{}`)
		require.NoError(t, err)
		require.Len(t, res.Content, 1)
		assert.Contains(t, res.Text(), "image responses are disabled")
		entries, err := os.ReadDir(h.cfg.ScreenshotCfg.Dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("should validate screenshot arguments", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.call("browser_take_screenshot", `{"ref":"e5"}`)
		toolErr(t, err, KindInvalidParams)
		_, err = h.call("browser_take_screenshot", `{"ref":"e5","element":"x","fullPage":true}`)
		toolErr(t, err, KindInvalidParams)
		_, err = h.call("browser_take_screenshot", `{"type":"gif"}`)
		toolErr(t, err, KindInvalidParams)
	})
}

func TestEvaluate(t *testing.T) {
	t.Run("should evaluate on the page and format the result", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()
		p.SetEvalResult("Login")

		assert.Equal(t, "Evaluation result: Login", h.mustCall("browser_evaluate", `{"function":"document.title"}`))
		assert.Contains(t, p.Actions(), "evaluate () => (document.title)")

		p.SetEvalResult(map[string]any{"n": 2})
		out := h.mustCall("browser_evaluate", `{"function":"() => ({n: 2})"}`)
		assert.Contains(t, out, "Evaluation result: {")
		assert.Contains(t, out, `"n": 2`)

		p.SetEvalResult(nil)
		assert.Equal(t, "Evaluation result: null", h.mustCall("browser_evaluate", `{"function":"() => undefined"}`))
	})

	t.Run("should evaluate against an element ref", func(t *testing.T) {
		h := newHarness(t)
		p := h.snapshotted()
		p.SetEvalResult("BUTTON")

		out := h.mustCall("browser_evaluate", `{"function":"el => el.tagName","ref":"e5","element":"Sign in"}`)
		assert.Equal(t, "Evaluated on Sign in [ref=e5]: BUTTON", out)
		assert.Contains(t, p.Actions(), "evaluate e5 el => el.tagName")
	})

	t.Run("should require an element description with a ref", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.call("browser_evaluate", `{"function":"el => el.id","ref":"e5"}`)
		toolErr(t, err, KindInvalidParams)
		_, err = h.call("browser_evaluate", `{"function":" "}`)
		toolErr(t, err, KindInvalidParams)
	})

	t.Run("should leave functions alone and wrap expressions", func(t *testing.T) {
		for src, want := range map[string]string{
			"() => 1":                  "() => 1",
			"(a, b) => a":              "(a, b) => a",
			"el => el.id":              "el => el.id",
			"function () { return 1 }": "function () { return 1 }",
			"async () => fetch('/x')":  "async () => fetch('/x')",
			"document.title":           "() => (document.title)",
			"[1,2].map(x => x * 2)":    "() => ([1,2].map(x => x * 2))",
			"  window.location.href  ": "() => (window.location.href)",
		} {
			assert.Equal(t, want, asFunction(src), src)
		}
	})
}
