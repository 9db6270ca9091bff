// internal/snapshot/element.go
package snapshot

import (
	"fmt"
	"strings"
)

// Tier says how eligible a node is for a ref.
type Tier int

const (
	// Tier1 nodes are always interactive and always get a ref.
	Tier1 Tier = iota + 1
	// Tier2 nodes are interactive only inside a selectable container.
	Tier2
	// Tier3 nodes are structural and never get a ref.
	Tier3
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Element is one node of a captured snapshot.
type Element struct {
	Role  string
	Name  string
	Text  string
	Value string

	Disabled bool
	Expanded *bool
	Selected bool
	Checked  string
	Pressed  bool
	Level    int

	// Frame marks an iframe owner; its children are the frame's content.
	Frame bool

	// NativeRef is the driver handle for the node, assigned or not.
	NativeRef string
	// Ref is the ref shown to callers. Empty when the node was not given one.
	Ref  string
	Tier Tier

	Children []*Element
}

// Describe renders the node the way callers name it: role "name".
func (e *Element) Describe() string {
	if e.Name == "" {
		return e.Role
	}
	return fmt.Sprintf("%s %q", e.Role, e.Name)
}

// stateSignature captures everything that may change without the element
// becoming a different element.
func (e *Element) stateSignature() string {
	var b strings.Builder
	b.WriteString(e.Text)
	b.WriteByte(0)
	b.WriteString(e.Value)
	b.WriteByte(0)
	fmt.Fprintf(&b, "%t|%s|%t|%s|%t|%d", e.Disabled, expandedState(e.Expanded), e.Selected, e.Checked, e.Pressed, e.Level)
	return b.String()
}

func expandedState(p *bool) string {
	switch {
	case p == nil:
		return ""
	case *p:
		return "expanded"
	default:
		return "collapsed"
	}
}

// Counts walks the tree once and returns the number of assigned refs and
// the number of elements.
func (e *Element) Counts() (refs, elements int) {
	if e == nil {
		return 0, 0
	}
	stack := []*Element{e}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		elements++
		if n.Ref != "" {
			refs++
		}
		stack = append(stack, n.Children...)
	}
	return refs, elements
}

// Walk visits every element depth first, parents before children.
func (e *Element) Walk(fn func(*Element)) {
	if e == nil {
		return
	}
	fn(e)
	for _, c := range e.Children {
		c.Walk(fn)
	}
}
