// internal/browser/cdp/context_test.go
package cdp

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

func TestCookieConversion(t *testing.T) {
	t.Run("should mark session cookies with a negative expiry", func(t *testing.T) {
		got := fromCDPCookies([]*network.Cookie{
			{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Session: true, HTTPOnly: true, SameSite: network.CookieSameSiteLax},
			nil,
			{Name: "pref", Value: "dark", Domain: "example.com", Path: "/app", Expires: 1700000000.5, Secure: true},
		})
		require.Len(t, got, 2)
		assert.Equal(t, browser.Cookie{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: -1, HTTPOnly: true, SameSite: "Lax"}, got[0])
		assert.Equal(t, 1700000000.5, got[1].Expires)
		assert.True(t, got[1].Secure)
	})

	t.Run("should build cookie params with defaults", func(t *testing.T) {
		params := toCDPCookies([]browser.Cookie{
			{Name: "sid", Value: "abc", Domain: "example.com", Expires: -1},
			{Name: "", Domain: "example.com"},
			{Name: "nodomain"},
			{Name: "pref", Value: "dark", Domain: "example.com", Path: "/app", Expires: 1700000000, SameSite: "Strict"},
		})
		require.Len(t, params, 2)

		assert.Equal(t, "/", params[0].Path)
		assert.Nil(t, params[0].Expires)

		assert.Equal(t, "/app", params[1].Path)
		assert.Equal(t, network.CookieSameSiteStrict, params[1].SameSite)
		require.NotNil(t, params[1].Expires)
		assert.Equal(t, time.Unix(1700000000, 0).Unix(), params[1].Expires.Time().Unix())
	})
}

func TestRestoreScript(t *testing.T) {
	t.Run("should return nothing without localStorage", func(t *testing.T) {
		script, err := restoreScript([]browser.OriginState{{Origin: "https://example.com"}})
		require.NoError(t, err)
		assert.Empty(t, script)
	})

	t.Run("should embed entries keyed by origin", func(t *testing.T) {
		script, err := restoreScript([]browser.OriginState{
			{Origin: "https://example.com", LocalStorage: []browser.NameValue{{Name: "theme", Value: "dark"}}},
			{Origin: "", LocalStorage: []browser.NameValue{{Name: "lost", Value: "x"}}},
		})
		require.NoError(t, err)
		assert.Contains(t, script, `"https://example.com":[{"name":"theme","value":"dark"}]`)
		assert.Contains(t, script, "location.origin")
		assert.NotContains(t, script, "lost")
	})
}

func TestDecodeOrigin(t *testing.T) {
	got, ok := decodeOrigin(map[string]any{
		"origin":       "https://example.com",
		"localStorage": []any{map[string]any{"name": "k", "value": "v"}},
	})
	require.True(t, ok)
	assert.Equal(t, browser.OriginState{Origin: "https://example.com", LocalStorage: []browser.NameValue{{Name: "k", Value: "v"}}}, got)

	_, ok = decodeOrigin(map[string]any{"origin": "null"})
	assert.False(t, ok)
	_, ok = decodeOrigin("not an object")
	assert.False(t, ok)
}

func TestRemoteOptions(t *testing.T) {
	assert.Len(t, remoteOptions("ws://127.0.0.1:9222/some/path"), 1)
	assert.Len(t, remoteOptions("WSS://browser.example.com/session"), 1)
	assert.Empty(t, remoteOptions("ws://127.0.0.1:9222/devtools/browser/abc"))
	assert.Empty(t, remoteOptions("http://127.0.0.1:9222"))
}

func TestBoxGeometry(t *testing.T) {
	quad := []float64{10, 20, 110, 20, 110, 70, 10, 70}

	x, y, ok := boxCenter(quad)
	require.True(t, ok)
	assert.Equal(t, 60.0, x)
	assert.Equal(t, 45.0, y)

	rect, ok := quadRect(quad)
	require.True(t, ok)
	assert.Equal(t, browser.Rect{X: 10, Y: 20, Width: 100, Height: 50}, rect)

	_, _, ok = boxCenter([]float64{1, 2})
	assert.False(t, ok)
	_, ok = quadRect(nil)
	assert.False(t, ok)
}
