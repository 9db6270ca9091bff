// internal/snapshot/errors.go
package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRefFormat is returned for refs that do not parse.
	ErrInvalidRefFormat = errors.New("invalid ref format")
	// ErrStaleRef matches every StaleRefError through errors.Is.
	ErrStaleRef = errors.New("stale ref")
)

// StaleKind classifies how a ref diverged from the snapshot it came from.
type StaleKind int

const (
	Fresh StaleKind = iota
	Removed
	Changed
	MinorChange
)

func (k StaleKind) String() string {
	switch k {
	case Fresh:
		return "fresh"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	case MinorChange:
		return "minor_change"
	}
	return fmt.Sprintf("stale_kind(%d)", int(k))
}

// Staleness is the result of comparing a ref across two snapshot generations.
type Staleness struct {
	Kind StaleKind
	Ref  string

	OldRole, OldName string
	NewRole, NewName string
	// Detail describes a minor change, e.g. `text changed from "a" to "b"`.
	Detail string
	// Similar lists up to three current elements that resemble a removed one.
	Similar []string
}

// Warning is the note attached to tool output when an action proceeds
// despite a minor change.
func (s Staleness) Warning() string {
	if s.Kind != MinorChange {
		return ""
	}
	return fmt.Sprintf("Note: Element may have changed (%s). Using current state.", s.Detail)
}

// StaleRefError reports a ref that can no longer be used safely.
type StaleRefError struct {
	Staleness
}

func (e *StaleRefError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case Removed:
		if e.OldRole != "" {
			fmt.Fprintf(&b, "Element '%s' (ref: %s) no longer exists.\n", describe(e.OldRole, e.OldName), e.Ref)
		} else {
			fmt.Fprintf(&b, "Element (ref: %s) no longer exists.\n", e.Ref)
		}
		if len(e.Similar) > 0 {
			b.WriteString("Similar elements on page:\n")
			for _, s := range e.Similar {
				fmt.Fprintf(&b, "  - %s\n", s)
			}
		}
		b.WriteString(Remediation)
	case Changed:
		b.WriteString("Element changed since snapshot.\n")
		fmt.Fprintf(&b, "Was: %s\n", describe(e.OldRole, e.OldName))
		fmt.Fprintf(&b, "Now: %s\n", describe(e.NewRole, e.NewName))
		b.WriteString("Take a new snapshot to get current element state.")
	default:
		fmt.Fprintf(&b, "ref %s is %s. %s", e.Ref, e.Kind, Remediation)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrStaleRef) match.
func (e *StaleRefError) Is(target error) bool { return target == ErrStaleRef }

// Remediation is the guidance attached to every stale or missing ref.
const Remediation = "Take a new snapshot to see current page state."

func describe(role, name string) string {
	if name == "" {
		return role
	}
	return fmt.Sprintf("%s %q", role, name)
}
