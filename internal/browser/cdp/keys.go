// internal/browser/cdp/keys.go
package cdp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

// namedKeys maps the key names agents use to the runes kb encodes.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"space":      " ",
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"arrowup":    kb.ArrowUp,
	"home":       kb.Home,
	"end":        kb.End,
	"pagedown":   kb.PageDown,
	"pageup":     kb.PageUp,
	"insert":     kb.Insert,
	"f1":         kb.F1,
	"f2":         kb.F2,
	"f3":         kb.F3,
	"f4":         kb.F4,
	"f5":         kb.F5,
	"f6":         kb.F6,
	"f7":         kb.F7,
	"f8":         kb.F8,
	"f9":         kb.F9,
	"f10":        kb.F10,
	"f11":        kb.F11,
	"f12":        kb.F12,
	"shift":      kb.Shift,
	"control":    kb.Control,
	"alt":        kb.Alt,
	"meta":       kb.Meta,
}

var modifierKeys = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"command": input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"shift":   input.ModifierShift,
}

// parseKeyCombo splits "Control+Shift+ArrowLeft" into the key to press and
// the modifiers held while pressing it. A trailing "+" names the plus key.
func parseKeyCombo(combo string) (string, []input.Modifier, error) {
	if combo == "" {
		return "", nil, fmt.Errorf("empty key")
	}

	var parts []string
	switch {
	case combo == "+":
		parts = []string{"+"}
	case strings.HasSuffix(combo, "++"):
		parts = append(strings.Split(strings.TrimSuffix(combo, "++"), "+"), "+")
	default:
		parts = strings.Split(combo, "+")
	}

	key := parts[len(parts)-1]
	var mods []input.Modifier
	for _, name := range parts[:len(parts)-1] {
		m, ok := modifierKeys[strings.ToLower(name)]
		if !ok {
			return "", nil, fmt.Errorf("unknown modifier %q in %q", name, combo)
		}
		mods = append(mods, m)
	}

	if named, ok := namedKeys[strings.ToLower(key)]; ok {
		return named, mods, nil
	}
	if utf8.RuneCountInString(key) == 1 {
		return key, mods, nil
	}
	return "", nil, fmt.Errorf("unknown key %q", key)
}

func inputModifiers(mods []browser.Modifier) input.Modifier {
	var out input.Modifier
	for _, m := range mods {
		if v, ok := modifierKeys[strings.ToLower(string(m))]; ok {
			out |= v
		}
	}
	return out
}

func mouseButton(b browser.MouseButton) input.MouseButton {
	switch b {
	case browser.ButtonRight:
		return input.Right
	case browser.ButtonMiddle:
		return input.Middle
	default:
		return input.Left
	}
}
