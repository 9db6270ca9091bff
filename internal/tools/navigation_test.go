// internal/tools/navigation_test.go
package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNavigate(t *testing.T) {
	t.Run("should navigate the active page and track the url", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()

		assert.Equal(t, "Navigated to https://example.com/login", h.mustCall("browser_navigate", `{"url":"https://example.com/login"}`))
		assert.Contains(t, p.Actions(), "navigate https://example.com/login")

		cs, err := h.env.Manager.ActiveContext()
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/login", cs.CurrentURL())
	})

	t.Run("should open a page when the context has none", func(t *testing.T) {
		h := newHarness(t)
		h.mustCall("browser_close", `{}`)

		h.mustCall("browser_navigate", `{"url":"https://example.com"}`)
		cs, err := h.env.Manager.ActiveContext()
		require.NoError(t, err)
		assert.Len(t, cs.Pages(), 1)
	})

	t.Run("should require a url", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.call("browser_navigate", `{}`)
		toolErr(t, err, KindInvalidParams)
	})

	t.Run("should go back through history", func(t *testing.T) {
		h := newHarness(t)
		h.mustCall("browser_navigate", `{"url":"https://example.com/a"}`)
		h.mustCall("browser_navigate", `{"url":"https://example.com/b"}`)

		assert.Equal(t, "Navigated back to https://example.com/a", h.mustCall("browser_navigate_back", `{}`))
	})

	t.Run("should report navigation failures", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()
		p.Err = assert.AnError

		_, err := h.call("browser_navigate", `{"url":"https://example.com"}`)
		te := toolErr(t, err, KindExecutionFailed)
		assert.Contains(t, te.Error(), "Navigation failed:")
	})
}

func TestWaitFor(t *testing.T) {
	t.Run("should require exactly one condition", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.call("browser_wait_for", `{}`)
		te := toolErr(t, err, KindInvalidParams)
		assert.Contains(t, te.Error(), "At least one of text, textGone, or time must be provided")

		_, err = h.call("browser_wait_for", `{"text":"a","time":1}`)
		te = toolErr(t, err, KindInvalidParams)
		assert.Contains(t, te.Error(), "Only one of text, textGone, or time should be provided")
	})

	t.Run("should bound the wait time", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.call("browser_wait_for", `{"time":-1}`)
		toolErr(t, err, KindInvalidParams)
		_, err = h.call("browser_wait_for", `{"time":61}`)
		te := toolErr(t, err, KindInvalidParams)
		assert.Contains(t, te.Error(), "Time cannot exceed 60 seconds")
	})

	t.Run("should sleep for short times", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, "Waited for 0.01 seconds", h.mustCall("browser_wait_for", `{"time":0.01}`))
	})

	t.Run("should poll for text", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()
		p.SetEvalResult(true)

		assert.Equal(t, "Text 'Welcome' appeared on page", h.mustCall("browser_wait_for", `{"text":"Welcome"}`))
		assert.Contains(t, p.Actions(), `wait () => document.body.innerText.includes("Welcome")`)

		assert.Equal(t, "Text 'Loading' disappeared from page", h.mustCall("browser_wait_for", `{"textGone":"Loading"}`))
	})

	t.Run("should time out when text never appears", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.NetworkCfg.ActionTimeout = 30 * time.Millisecond
		h.page().SetEvalResult(false)

		_, err := h.call("browser_wait_for", `{"text":"Never"}`)
		te := toolErr(t, err, KindTimeout)
		assert.Contains(t, te.Error(), "Timeout waiting for text 'Never'")
	})

	t.Run("should escape text in the predicate", func(t *testing.T) {
		pred, err := textPredicate(`say "hi"`, true)
		require.NoError(t, err)
		assert.Equal(t, `() => !document.body.innerText.includes("say \"hi\"")`, pred)
	})
}

func TestPageControls(t *testing.T) {
	t.Run("should arm the dialog handler", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()

		assert.Equal(t, "Dialog handler configured: will dismiss next dialog", h.mustCall("browser_handle_dialog", `{"accept":false}`))
		assert.Equal(t, "Dialog handler configured: will accept next dialog with text 'yes'",
			h.mustCall("browser_handle_dialog", `{"accept":true,"promptText":"yes"}`))
		require.NotNil(t, p.Dialog())
		assert.Equal(t, "yes", p.Dialog().PromptText)

		_, err := h.call("browser_handle_dialog", `{}`)
		toolErr(t, err, KindInvalidParams)
	})

	t.Run("should resize within bounds", func(t *testing.T) {
		h := newHarness(t)
		p := h.page()

		assert.Equal(t, "Resized viewport to 800x600 pixels", h.mustCall("browser_resize", `{"width":800,"height":600}`))
		assert.Equal(t, 800, p.Viewport().Width)

		_, err := h.call("browser_resize", `{"width":0,"height":600}`)
		te := toolErr(t, err, KindInvalidParams)
		assert.Contains(t, te.Error(), "Width must be greater than 0")

		_, err = h.call("browser_resize", `{"width":800,"height":20000}`)
		te = toolErr(t, err, KindInvalidParams)
		assert.Contains(t, te.Error(), "Height cannot exceed 16384 pixels")
	})

	t.Run("should close the active page", func(t *testing.T) {
		h := newHarness(t)
		h.mustCall("browser_navigate", `{"url":"https://example.com"}`)
		h.mustCall("browser_tabs", `{"action":"new"}`)

		assert.Equal(t, "Closed page (about:blank), 1 page(s) remaining", h.mustCall("browser_close", `{}`))
		assert.Equal(t, "Closed page (https://example.com), no pages remaining", h.mustCall("browser_close", `{}`))

		_, err := h.call("browser_close", `{}`)
		te := toolErr(t, err, KindBrowserUnavailable)
		assert.Contains(t, te.Error(), "No pages to close")
	})
}
