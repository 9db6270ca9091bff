// internal/browser/cdp/axtree.go
package cdp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

// Text-only roles are folded into the nearest visible ancestor's Text.
var textRoles = map[string]bool{
	"StaticText":    true,
	"InlineTextBox": true,
	"LineBreak":     true,
}

// Frame and document roles never count as tab stops, whatever their markup says.
var containerRoles = map[string]bool{
	"RootWebArea":          true,
	"WebArea":              true,
	"Iframe":               true,
	"IframePresentational": true,
}

// axValue decodes the raw JSON payload of an AX value into a string.
func axValue(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var raw any
	if err := json.Unmarshal(v.Value, &raw); err != nil {
		return ""
	}
	switch x := raw.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// convertAXNodes assembles the flat node list returned by
// Accessibility.getFullAXTree into a tree rooted at the document. tabIndexes
// holds the explicit tabindex attributes of the page by backend node id.
func convertAXNodes(nodes []*accessibility.Node, tabIndexes map[cdproto.BackendNodeID]int) *browser.AXNode {
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[accessibility.NodeID]*accessibility.Node, len(nodes))
	var root *accessibility.Node
	for _, n := range nodes {
		if n == nil {
			continue
		}
		byID[n.NodeID] = n
		if root == nil && n.ParentID == "" {
			root = n
		}
	}
	if root == nil {
		root = nodes[0]
	}

	visited := make(map[accessibility.NodeID]bool, len(nodes))
	c := &axConverter{byID: byID, visited: visited, tabIndexes: tabIndexes}
	return c.build(root, nil)
}

type axConverter struct {
	byID       map[accessibility.NodeID]*accessibility.Node
	visited    map[accessibility.NodeID]bool
	tabIndexes map[cdproto.BackendNodeID]int
}

// build converts n and its subtree. owner is the nearest non-ignored
// ancestor that receives folded text.
func (c *axConverter) build(n *accessibility.Node, owner *browser.AXNode) *browser.AXNode {
	if c.visited[n.NodeID] {
		return nil
	}
	c.visited[n.NodeID] = true

	role := axValue(n.Role)
	if textRoles[role] {
		if owner != nil && role == "StaticText" {
			appendText(owner, axValue(n.Name))
		}
		return nil
	}

	out := &browser.AXNode{
		Role:        role,
		Name:        axValue(n.Name),
		Description: axValue(n.Description),
		Value:       axValue(n.Value),
		Ignored:     n.Ignored,
		Frame:       role == "Iframe",
	}
	if n.BackendDOMNodeID != 0 {
		out.Ref = nativeRef(n.BackendDOMNodeID)
		if idx, ok := c.tabIndexes[n.BackendDOMNodeID]; ok && !containerRoles[role] {
			out.TabIndex = &idx
		}
	}
	switch role {
	case "RootWebArea", "WebArea":
		out.Role = "document"
	}
	applyProperties(out, n.Properties)

	textOwner := owner
	if !n.Ignored {
		textOwner = out
	}
	for _, id := range n.ChildIDs {
		child, ok := c.byID[id]
		if !ok {
			continue
		}
		if kid := c.build(child, textOwner); kid != nil {
			out.Children = append(out.Children, kid)
		}
	}
	return out
}

func appendText(n *browser.AXNode, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n.Text == "" {
		n.Text = text
		return
	}
	n.Text += " " + text
}

func applyProperties(out *browser.AXNode, props []*accessibility.Property) {
	for _, p := range props {
		if p == nil {
			continue
		}
		v := axValue(p.Value)
		switch p.Name {
		case accessibility.PropertyNameDisabled:
			out.Disabled = v == "true"
		case accessibility.PropertyNameExpanded:
			b := v == "true"
			out.Expanded = &b
		case accessibility.PropertyNameSelected:
			out.Selected = v == "true"
		case accessibility.PropertyNameChecked:
			out.Checked = v
		case accessibility.PropertyNamePressed:
			out.Pressed = v == "true" || v == "mixed"
		case accessibility.PropertyNameLevel:
			if lvl, err := strconv.Atoi(v); err == nil {
				out.Level = lvl
			}
		}
	}
}

// readTabIndexes captures the DOM of every same-process document in one call
// and returns the parsed tabindex attributes by backend node id.
func readTabIndexes(ctx context.Context) (map[cdproto.BackendNodeID]int, error) {
	docs, strs, err := domsnapshot.CaptureSnapshot([]string{}).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture dom snapshot: %w", err)
	}
	return collectTabIndexes(docs, strs), nil
}

func collectTabIndexes(docs []*domsnapshot.DocumentSnapshot, strs []string) map[cdproto.BackendNodeID]int {
	str := func(i int64) string {
		if i < 0 || i >= int64(len(strs)) {
			return ""
		}
		return strs[i]
	}
	out := make(map[cdproto.BackendNodeID]int)
	for _, doc := range docs {
		if doc == nil || doc.Nodes == nil {
			continue
		}
		nodes := doc.Nodes
		for i, attrs := range nodes.Attributes {
			if i >= len(nodes.BackendNodeID) {
				break
			}
			for j := 0; j+1 < len(attrs); j += 2 {
				if !strings.EqualFold(str(attrs[j]), "tabindex") {
					continue
				}
				if v, err := strconv.Atoi(strings.TrimSpace(str(attrs[j+1]))); err == nil {
					out[nodes.BackendNodeID[i]] = v
				}
			}
		}
	}
	return out
}

func nativeRef(id cdproto.BackendNodeID) string {
	return "e" + strconv.FormatInt(int64(id), 10)
}

// parseNativeRef is the inverse of nativeRef.
func parseNativeRef(ref string) (cdproto.BackendNodeID, error) {
	if !strings.HasPrefix(ref, "e") {
		return 0, fmt.Errorf("%w: %q", browser.ErrElementNotFound, ref)
	}
	id, err := strconv.ParseInt(ref[1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", browser.ErrElementNotFound, ref)
	}
	return cdproto.BackendNodeID(id), nil
}

// fetchAXTree captures the main frame's tree and grafts each child frame's
// tree under its iframe owner. Frames that fail to load are logged and left empty.
func fetchAXTree(ctx context.Context, logger *zap.Logger) (*browser.AXNode, error) {
	nodes, err := accessibility.GetFullAXTree().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get accessibility tree: %w", err)
	}
	tabIndexes, err := readTabIndexes(ctx)
	if err != nil {
		logger.Debug("Could not read tab indexes; classifying by role only.", zap.Error(err))
	}
	root := convertAXNodes(nodes, tabIndexes)
	if root == nil {
		return nil, nil
	}

	tree, err := page.GetFrameTree().Do(ctx)
	if err != nil || tree == nil || len(tree.ChildFrames) == 0 {
		return root, nil
	}
	owners := make(map[string]*browser.AXNode)
	indexFrameOwners(root, owners)
	graftFrames(ctx, logger, tree.ChildFrames, owners, tabIndexes)
	return root, nil
}

func indexFrameOwners(n *browser.AXNode, owners map[string]*browser.AXNode) {
	if n.Frame && n.Ref != "" {
		owners[n.Ref] = n
	}
	for _, c := range n.Children {
		indexFrameOwners(c, owners)
	}
}

func graftFrames(ctx context.Context, logger *zap.Logger, frames []*page.FrameTree, owners map[string]*browser.AXNode, tabIndexes map[cdproto.BackendNodeID]int) {
	for _, ft := range frames {
		if ft == nil || ft.Frame == nil {
			continue
		}
		backendID, _, err := dom.GetFrameOwner(ft.Frame.ID).Do(ctx)
		if err != nil {
			logger.Debug("Could not resolve frame owner.", zap.String("frame_id", ft.Frame.ID.String()), zap.Error(err))
			continue
		}
		owner, ok := owners[nativeRef(backendID)]
		if !ok {
			continue
		}
		nodes, err := accessibility.GetFullAXTree().WithFrameID(ft.Frame.ID).Do(ctx)
		if err != nil {
			// Out-of-process frames live in their own target.
			logger.Debug("Could not read frame accessibility tree.", zap.String("url", ft.Frame.URL), zap.Error(err))
			continue
		}
		if sub := convertAXNodes(nodes, tabIndexes); sub != nil {
			owner.Children = append(owner.Children, sub)
			indexFrameOwners(sub, owners)
		}
		graftFrames(ctx, logger, ft.ChildFrames, owners, tabIndexes)
	}
}
