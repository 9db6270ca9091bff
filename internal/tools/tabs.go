// internal/tools/tabs.go
package tools

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
)

func tabTools() []Definition {
	return []Definition{{
		Name: "browser_tabs",
		Description: "Manage browser tabs. Actions: 'list' shows all tabs, 'new' creates a tab, " +
			"'close' closes a tab by index (or current), 'select' switches to a tab by index.",
		Schema: object([]string{"action"}, map[string]any{
			"action": enum("Operation to perform on tabs", "list", "new", "close", "select"),
			"index":  prop("number", "Tab index for close/select operations. If omitted for close, closes the current tab."),
		}),
		Mutates: true,
		Run:     tabs,
	}}
}

func tabs(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Action string `json:"action"`
		Index  *int   `json:"index"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	cs, err := env.Manager.ActiveContext()
	if err != nil {
		return nil, browserUnavailable(err)
	}

	switch p.Action {
	case "list":
		return listTabs(cs), nil
	case "new":
		_, idx, err := cs.NewPage(ctx)
		if err != nil {
			return nil, executionFailed(err, "Failed to create new tab: %v", err)
		}
		return TextResult(fmt.Sprintf("Created new tab at index %d (%d tabs total)", idx, len(cs.Pages()))), nil
	case "close":
		return closeTab(ctx, cs, p.Index)
	case "select":
		if p.Index == nil {
			return nil, invalidParams("index is required for select action")
		}
		total := len(cs.Pages())
		if *p.Index < 0 || *p.Index >= total {
			return nil, tabOutOfRange(*p.Index, total)
		}
		if _, err := cs.SelectPage(*p.Index); err != nil {
			return nil, executionFailed(err, "Failed to switch to tab at index %d", *p.Index)
		}
		return TextResult(fmt.Sprintf("Switched to tab at index %d", *p.Index)), nil
	}
	return nil, invalidParams("unknown action %q (expected list, new, close or select)", p.Action)
}

func listTabs(cs *session.ContextState) *Result {
	pages := cs.Pages()
	if len(pages) == 0 {
		return TextResult("No tabs open")
	}
	active := cs.ActiveIndex()
	var b strings.Builder
	fmt.Fprintf(&b, "Tabs (%d total):\n", len(pages))
	for i, pg := range pages {
		url := pg.URL()
		if url == "" {
			url = "unknown"
		}
		marker := ""
		if i == active {
			marker = " [active]"
		}
		fmt.Fprintf(&b, "  %d: %s%s\n", i, url, marker)
	}
	return TextResult(strings.TrimRight(b.String(), "\n"))
}

func closeTab(ctx context.Context, cs *session.ContextState, index *int) (*Result, error) {
	total := len(cs.Pages())
	if total == 0 {
		return nil, &ToolError{Kind: KindBrowserUnavailable, Message: "No tabs to close"}
	}
	target := cs.ActiveIndex()
	if index != nil {
		target = *index
	}
	if target < 0 || target >= total {
		return nil, tabOutOfRange(target, total)
	}
	if _, err := cs.ClosePage(ctx, target); err != nil {
		return nil, executionFailed(err, "Failed to close tab: %v", err)
	}
	return TextResult(fmt.Sprintf("Closed tab at index %d (%d tabs remaining)", target, total-1)), nil
}

func tabOutOfRange(index, total int) *ToolError {
	return &ToolError{
		Kind:        KindInvalidParams,
		Message:     fmt.Sprintf("Tab index %d out of range (0-%d)", index, total-1),
		Remediation: "Use browser_tabs with action 'list' to see open tabs.",
		Err:         session.ErrPageIndexOutOfRange,
	}
}
