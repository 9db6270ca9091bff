// internal/browser/cdp/keys_test.go
package cdp

import (
	"testing"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

func TestParseKeyCombo(t *testing.T) {
	tests := []struct {
		combo string
		key   string
		mods  []input.Modifier
	}{
		{"a", "a", nil},
		{"Enter", kb.Enter, nil},
		{"ArrowLeft", kb.ArrowLeft, nil},
		{"F5", kb.F5, nil},
		{"Control+a", "a", []input.Modifier{input.ModifierCtrl}},
		{"Control+Shift+ArrowRight", kb.ArrowRight, []input.Modifier{input.ModifierCtrl, input.ModifierShift}},
		{"Meta+Enter", kb.Enter, []input.Modifier{input.ModifierMeta}},
		{"+", "+", nil},
		{"Control++", "+", []input.Modifier{input.ModifierCtrl}},
		{"Shift", kb.Shift, nil},
	}
	for _, tt := range tests {
		t.Run(tt.combo, func(t *testing.T) {
			key, mods, err := parseKeyCombo(tt.combo)
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.mods, mods)
		})
	}

	t.Run("should reject unknown names", func(t *testing.T) {
		for _, combo := range []string{"", "Hyper+a", "NotAKey", "Control+Nope"} {
			_, _, err := parseKeyCombo(combo)
			assert.Error(t, err, combo)
		}
	})
}

func TestInputModifiers(t *testing.T) {
	got := inputModifiers([]browser.Modifier{browser.ModifierControl, browser.ModifierShift})
	assert.Equal(t, input.ModifierCtrl|input.ModifierShift, got)
	assert.Equal(t, input.ModifierNone, inputModifiers(nil))
}

func TestMouseButton(t *testing.T) {
	assert.Equal(t, input.Left, mouseButton(""))
	assert.Equal(t, input.Right, mouseButton(browser.ButtonRight))
	assert.Equal(t, input.Middle, mouseButton(browser.ButtonMiddle))
}
