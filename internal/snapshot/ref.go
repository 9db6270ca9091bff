// internal/snapshot/ref.go
package snapshot

import (
	"fmt"
	"strings"
)

// Ref is a parsed element reference.
type Ref struct {
	// Context is the owning context name, empty when the ref was unprefixed.
	Context string
	// Native is the driver handle, e.g. "e123".
	Native string
}

// String renders the ref in the form it was issued.
func (r Ref) String() string {
	if r.Context == "" {
		return r.Native
	}
	return r.Context + ":" + r.Native
}

// ParseRef accepts "e<digits>" or "<context>:e<digits>".
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	native := s
	var contextName string
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		contextName, native = s[:i], s[i+1:]
		if contextName == "" {
			return Ref{}, invalidRef(s)
		}
	}
	if !isNativeRef(native) {
		return Ref{}, invalidRef(s)
	}
	return Ref{Context: contextName, Native: native}, nil
}

// FormatRef builds the caller-visible ref for a native handle.
func FormatRef(native, contextName string, multiContext bool) string {
	if multiContext && contextName != "" {
		return contextName + ":" + native
	}
	return native
}

func isNativeRef(s string) bool {
	if len(s) < 2 || s[0] != 'e' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalidRef(s string) error {
	return fmt.Errorf("%w: %q. Expected format: e<id> or <context>:e<id>", ErrInvalidRefFormat, s)
}
