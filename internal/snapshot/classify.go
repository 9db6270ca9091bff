// internal/snapshot/classify.go
package snapshot

import "strings"

var tier1Roles = map[string]bool{
	"button":           true,
	"link":             true,
	"textbox":          true,
	"checkbox":         true,
	"radio":            true,
	"combobox":         true,
	"slider":           true,
	"menuitem":         true,
	"menuitemcheckbox": true,
	"menuitemradio":    true,
	"tab":              true,
	"switch":           true,
	"searchbox":        true,
	"spinbutton":       true,
	"scrollbar":        true,
}

var tier2Roles = map[string]bool{
	"listitem":     true,
	"option":       true,
	"treeitem":     true,
	"row":          true,
	"cell":         true,
	"gridcell":     true,
	"columnheader": true,
	"rowheader":    true,
}

var interactiveContainers = map[string]bool{
	"listbox":    true,
	"combobox":   true,
	"tree":       true,
	"grid":       true,
	"treegrid":   true,
	"menu":       true,
	"menubar":    true,
	"tablist":    true,
	"radiogroup": true,
}

// IsInteractiveContainer reports whether role makes Tier2 descendants eligible.
func IsInteractiveContainer(role string) bool {
	return interactiveContainers[strings.ToLower(role)]
}

// Classify returns the tier of a node from its role, the roles of its
// ancestors (outermost first) and its tab index, if any. A Tier2 role only
// classifies as Tier2 below an interactive container; elsewhere it is Tier3.
func Classify(role string, ancestors []string, tabIndex *int) Tier {
	inContainer := false
	for _, a := range ancestors {
		if IsInteractiveContainer(a) {
			inContainer = true
			break
		}
	}
	return classify(role, inContainer, tabIndex)
}

func classify(role string, inContainer bool, tabIndex *int) Tier {
	r := strings.ToLower(role)
	switch {
	case tier1Roles[r]:
		return Tier1
	case tabIndex != nil && *tabIndex >= 0:
		return Tier1
	case tier2Roles[r] && inContainer:
		return Tier2
	default:
		return Tier3
	}
}
