// internal/session/snapshot.go
package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
)

func (m *Manager) snapshotOptions(cs *ContextState, allRefs bool) snapshot.Options {
	snapCfg := m.cfg.Snapshot()
	return snapshot.Options{
		AllRefs:       allRefs,
		Context:       cs.Name(),
		MultiContext:  m.IsMultiContext(),
		RefThreshold:  snapCfg.RefThreshold,
		MaxTextLength: snapCfg.MaxTextLength,
	}
}

// CaptureSnapshot returns a snapshot of the active page, served from the
// context's cache while it is still valid. The boolean reports a cache hit.
func (m *Manager) CaptureSnapshot(ctx context.Context, allRefs bool) (*snapshot.Snapshot, bool, error) {
	cs, err := m.ActiveContext()
	if err != nil {
		return nil, false, err
	}
	if s := cs.CachedSnapshot(allRefs); s != nil {
		m.logger.Debug("Snapshot cache hit.", zap.String("context", cs.Name()), zap.Bool("all_refs", allRefs))
		return s, true, nil
	}

	page, err := cs.EnsurePage(ctx)
	if err != nil {
		return nil, false, err
	}
	s, err := snapshot.Capture(ctx, page, m.snapshotOptions(cs, allRefs))
	if err != nil {
		return nil, false, err
	}
	cs.StoreSnapshot(s, allRefs)

	refs, elements := s.Counts()
	m.logger.Debug("Captured snapshot.",
		zap.String("context", cs.Name()),
		zap.Int("elements", elements),
		zap.Int("refs", refs),
		zap.Bool("compact", s.Compact))
	return s, false, nil
}

// Resolved is a ref located in a live page.
type Resolved struct {
	Ref       snapshot.Ref
	Context   *ContextState
	Page      browser.Page
	Element   browser.Element
	Node      *snapshot.Element
	Staleness snapshot.Staleness
}

// Warning returns the note to attach to tool output, if any.
func (r *Resolved) Warning() string {
	return r.Staleness.Warning()
}

// ResolveRef parses raw, captures the owning page fresh, compares the ref
// against the last snapshot the caller saw and locates the element.
// Removed and Changed refs fail with a *snapshot.StaleRefError.
func (m *Manager) ResolveRef(ctx context.Context, raw string) (*Resolved, error) {
	ref, err := snapshot.ParseRef(raw)
	if err != nil {
		return nil, err
	}

	var cs *ContextState
	if ref.Context != "" {
		cs, err = m.Context(ref.Context)
	} else {
		cs, err = m.ActiveContext()
	}
	if err != nil {
		return nil, err
	}

	page := cs.ActivePage()
	if page == nil {
		return nil, fmt.Errorf("%w in context '%s'", ErrNoActivePage, cs.Name())
	}

	current, err := snapshot.Capture(ctx, page, m.snapshotOptions(cs, true))
	if err != nil {
		return nil, err
	}
	st := snapshot.Compare(current, cs.PreviousSnapshot(), ref)
	if err := snapshot.Check(st); err != nil {
		m.logger.Debug("Rejected stale ref.", zap.String("ref", raw), zap.Stringer("kind", st.Kind))
		return nil, err
	}

	el, err := page.Locate(ctx, ref.Native)
	if err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return nil, &snapshot.StaleRefError{Staleness: snapshot.Staleness{Kind: snapshot.Removed, Ref: raw}}
		}
		return nil, fmt.Errorf("failed to locate %s: %w", raw, err)
	}

	node, _ := current.Lookup(snapshot.FormatRef(ref.Native, cs.Name(), m.IsMultiContext()))
	return &Resolved{Ref: ref, Context: cs, Page: page, Element: el, Node: node, Staleness: st}, nil
}
