// internal/snapshot/snapshot_helpers_test.go
package snapshot

import (
	"fmt"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

func ax(role, name, ref string, children ...*browser.AXNode) *browser.AXNode {
	return &browser.AXNode{Role: role, Name: name, Ref: ref, Children: children}
}

// pageWith builds a document holding n buttons followed by m list options
// inside a listbox. Refs are e1..e(n+m).
func pageWith(buttons, options int) *browser.AXNode {
	main := ax("main", "", "e9000")
	for i := 1; i <= buttons; i++ {
		main.Children = append(main.Children, ax("button", fmt.Sprintf("Button %d", i), fmt.Sprintf("e%d", i)))
	}
	list := ax("listbox", "Choices", "e9001")
	for i := 1; i <= options; i++ {
		list.Children = append(list.Children, ax("option", fmt.Sprintf("Option %d", i), fmt.Sprintf("e%d", buttons+i)))
	}
	main.Children = append(main.Children, list)
	return ax("document", "Test Page", "e9002", main)
}
