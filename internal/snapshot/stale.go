// internal/snapshot/stale.go
package snapshot

import (
	"fmt"
	"sort"
	"strings"
)

const maxSimilar = 3

// Compare classifies ref in current against previous. Refs the previous
// generation never saw are Fresh since there is nothing to diverge from.
func Compare(current, previous *Snapshot, ref Ref) Staleness {
	st := Staleness{Kind: Fresh, Ref: ref.String()}
	now, inCurrent := current.element(ref.Native)
	was, inPrevious := previous.element(ref.Native)

	if !inCurrent {
		st.Kind = Removed
		if inPrevious {
			st.OldRole, st.OldName = was.Role, was.Name
			st.Similar = current.similarTo(was)
		}
		return st
	}
	if !inPrevious {
		return st
	}

	st.OldRole, st.OldName = was.Role, was.Name
	st.NewRole, st.NewName = now.Role, now.Name
	if was.Role != now.Role || was.Name != now.Name {
		st.Kind = Changed
		return st
	}
	if was.stateSignature() != now.stateSignature() {
		st.Kind = MinorChange
		st.Detail = minorDetail(was, now)
	}
	return st
}

// Check applies the staleness policy: Removed and Changed are errors,
// MinorChange proceeds and the caller attaches the warning.
func Check(st Staleness) error {
	switch st.Kind {
	case Removed, Changed:
		return &StaleRefError{Staleness: st}
	}
	return nil
}

func minorDetail(was, now *Element) string {
	var parts []string
	if was.Text != now.Text {
		parts = append(parts, fmt.Sprintf("text changed from %q to %q", Truncate(was.Text, 40), Truncate(now.Text, 40)))
	}
	if was.Value != now.Value {
		parts = append(parts, fmt.Sprintf("value changed from %q to %q", was.Value, now.Value))
	}
	if len(parts) == 0 {
		parts = append(parts, "state changed")
	}
	return strings.Join(parts, "; ")
}

// similarTo returns up to three refs in s whose element shares the role of
// el, preferring ones whose name overlaps.
func (s *Snapshot) similarTo(el *Element) []string {
	type scored struct {
		label string
		score int
	}
	var found []scored
	for ref, cand := range s.Refs {
		if cand.Role != el.Role {
			continue
		}
		score := 1
		if el.Name != "" && cand.Name != "" &&
			(strings.Contains(strings.ToLower(cand.Name), strings.ToLower(el.Name)) ||
				strings.Contains(strings.ToLower(el.Name), strings.ToLower(cand.Name))) {
			score = 2
		}
		found = append(found, scored{label: fmt.Sprintf("%s [ref=%s]", cand.Describe(), ref), score: score})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].score != found[j].score {
			return found[i].score > found[j].score
		}
		return found[i].label < found[j].label
	})
	var out []string
	for i := 0; i < len(found) && i < maxSimilar; i++ {
		out = append(out, found[i].label)
	}
	return out
}
