// internal/snapshot/capture.go
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

// Default limits used when Options leaves them zero.
const (
	DefaultRefThreshold  = 100
	DefaultMaxTextLength = 100
)

// Notes attached to snapshots.
const (
	NoteNoContent = "no accessible content"
	NoteCompact   = "[Note: Page has many interactive elements. Use browser_snapshot with allRefs: true for complete refs.]"
	HintAllRefs   = "[Hint: Use allRefs: true to see refs for all interactive elements]"
)

// Options controls a capture.
type Options struct {
	// AllRefs assigns refs to every eligible node regardless of count.
	AllRefs bool
	// Context names the owning browser context.
	Context string
	// MultiContext prefixes refs with the context name.
	MultiContext bool
	// RefThreshold is the candidate count above which only Tier1 nodes get refs.
	RefThreshold int
	// MaxTextLength bounds rendered names and text.
	MaxTextLength int
}

func (o Options) withDefaults() Options {
	if o.RefThreshold <= 0 {
		o.RefThreshold = DefaultRefThreshold
	}
	if o.MaxTextLength <= 0 {
		o.MaxTextLength = DefaultMaxTextLength
	}
	return o
}

// Snapshot is one captured generation of a page's accessibility tree.
type Snapshot struct {
	Root *Element
	// Refs maps caller-visible refs to their elements.
	Refs       map[string]*Element
	CapturedAt time.Time
	Compact    bool
	AllRefs    bool
	Context    string
	Notes      []string
	// Previous is the generation captured before this one. Its own
	// Previous is always nil.
	Previous *Snapshot

	// byNative indexes every node that carries a driver handle, whether or
	// not it was given a ref, so comparisons do not depend on ref mode.
	byNative      map[string]*Element
	maxTextLength int
}

// Capture fetches the page's accessibility tree and builds a snapshot from it.
// A page with no tree yields a lone document node and an informational note.
func Capture(ctx context.Context, page browser.Page, opts Options) (*Snapshot, error) {
	tree, err := page.AccessibilityTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accessibility tree: %w", err)
	}
	return Build(tree, opts), nil
}

// Build converts a driver tree into a snapshot, classifying nodes and
// assigning refs. It performs no I/O.
func Build(tree *browser.AXNode, opts Options) *Snapshot {
	opts = opts.withDefaults()
	s := &Snapshot{
		Refs:          make(map[string]*Element),
		CapturedAt:    time.Now(),
		AllRefs:       opts.AllRefs,
		Context:       opts.Context,
		byNative:      make(map[string]*Element),
		maxTextLength: opts.MaxTextLength,
	}

	if tree == nil || (tree.Ignored && len(tree.Children) == 0) {
		s.Root = &Element{Role: "document", Tier: Tier3}
		s.Notes = append(s.Notes, NoteNoContent)
		return s
	}

	var candidates []*Element
	roots := s.convert(tree, false, &candidates)
	switch len(roots) {
	case 0:
		s.Root = &Element{Role: "document", Tier: Tier3}
		s.Notes = append(s.Notes, NoteNoContent)
		return s
	case 1:
		s.Root = roots[0]
	default:
		s.Root = &Element{Role: "document", Tier: Tier3, Children: roots}
	}

	s.Compact = !opts.AllRefs && len(candidates) > opts.RefThreshold
	for _, el := range candidates {
		if el.NativeRef == "" || (s.Compact && el.Tier != Tier1) {
			continue
		}
		el.Ref = FormatRef(el.NativeRef, opts.Context, opts.MultiContext)
		s.Refs[el.Ref] = el
	}
	if s.Compact {
		s.Notes = append(s.Notes, NoteCompact)
	}
	return s
}

// convert returns the elements produced by n. Ignored nodes produce their
// children in their place.
func (s *Snapshot) convert(n *browser.AXNode, inContainer bool, candidates *[]*Element) []*Element {
	if n == nil {
		return nil
	}
	role := strings.ToLower(n.Role)
	childInContainer := inContainer || IsInteractiveContainer(role)

	if n.Ignored {
		var out []*Element
		for _, c := range n.Children {
			out = append(out, s.convert(c, inContainer, candidates)...)
		}
		return out
	}

	if role == "" {
		role = "generic"
	}
	el := &Element{
		Role:      role,
		Name:      n.Name,
		Text:      n.Text,
		Value:     n.Value,
		Disabled:  n.Disabled,
		Expanded:  n.Expanded,
		Selected:  n.Selected,
		Checked:   n.Checked,
		Pressed:   n.Pressed,
		Level:     n.Level,
		Frame:     n.Frame,
		NativeRef: n.Ref,
		Tier:      classify(role, inContainer, n.TabIndex),
	}
	if el.NativeRef != "" {
		s.byNative[el.NativeRef] = el
	}
	if el.Tier == Tier1 || el.Tier == Tier2 {
		*candidates = append(*candidates, el)
	}
	for _, c := range n.Children {
		el.Children = append(el.Children, s.convert(c, childInContainer, candidates)...)
	}
	return []*Element{el}
}

// Attach links prev as the previous generation and drops anything older.
func (s *Snapshot) Attach(prev *Snapshot) {
	if prev == s {
		return
	}
	if prev != nil {
		prev.Previous = nil
	}
	s.Previous = prev
}

// Lookup returns the element for a caller-visible ref.
func (s *Snapshot) Lookup(ref string) (*Element, bool) {
	el, ok := s.Refs[ref]
	return el, ok
}

// element finds a node by its driver handle, assigned a ref or not.
func (s *Snapshot) element(native string) (*Element, bool) {
	if s == nil {
		return nil, false
	}
	el, ok := s.byNative[native]
	return el, ok
}

// Counts returns (refs, elements) in one traversal.
func (s *Snapshot) Counts() (refs, elements int) {
	return s.Root.Counts()
}

// Render produces the complete tool response: header, outline and hint.
func (s *Snapshot) Render() string {
	refs, elements := s.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "Page snapshot (%d elements, %d refs", elements, refs)
	if s.Compact {
		b.WriteString(", compact mode")
	}
	b.WriteString(")\n\n")
	b.WriteString(s.Format())
	if s.Compact {
		b.WriteString("\n\n")
		b.WriteString(HintAllRefs)
	}
	return b.String()
}
