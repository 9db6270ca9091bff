// internal/tools/vision.go
package tools

import (
	"context"
	"fmt"
	"strconv"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
)

const defaultDragSteps = 10

func visionTools() []Definition {
	return []Definition{
		{
			Name: "browser_mouse_click_xy",
			Description: "Click at specific viewport coordinates. For vision-enabled LLMs that can identify " +
				"element positions from screenshots. Coordinates are in CSS pixels relative to viewport.",
			Schema: object([]string{"x", "y"}, map[string]any{
				"x":          prop("number", "X coordinate in CSS pixels from left edge of viewport"),
				"y":          prop("number", "Y coordinate in CSS pixels from top edge of viewport"),
				"button":     prop("string", "Mouse button to click", "enum", []string{"left", "right", "middle"}, "default", "left"),
				"clickCount": prop("integer", "Number of clicks (1 for single, 2 for double-click)", "minimum", 1, "maximum", 3, "default", 1),
				"element":    prop("string", "Optional description of what is being clicked (for logging)"),
			}),
			Capability: config.CapabilityVision,
			Mutates:    true,
			Run:        mouseClickXY,
		},
		{
			Name: "browser_mouse_move_xy",
			Description: "Move the mouse to specific viewport coordinates without clicking. " +
				"For vision-enabled LLMs. Useful for triggering hover states or positioning before click.",
			Schema: object([]string{"x", "y"}, map[string]any{
				"x":     prop("number", "X coordinate in CSS pixels from left edge of viewport"),
				"y":     prop("number", "Y coordinate in CSS pixels from top edge of viewport"),
				"steps": prop("integer", "Number of intermediate steps for smooth movement (1 = instant)", "minimum", 1, "default", 1),
			}),
			Capability: config.CapabilityVision,
			Mutates:    true,
			Run:        mouseMoveXY,
		},
		{
			Name: "browser_mouse_drag_xy",
			Description: "Drag from one viewport coordinate to another. For vision-enabled LLMs. " +
				"Performs mouse down at start, moves to end, then releases.",
			Schema: object([]string{"startX", "startY", "endX", "endY"}, map[string]any{
				"startX": prop("number", "Starting X coordinate in CSS pixels"),
				"startY": prop("number", "Starting Y coordinate in CSS pixels"),
				"endX":   prop("number", "Ending X coordinate in CSS pixels"),
				"endY":   prop("number", "Ending Y coordinate in CSS pixels"),
				"steps":  prop("integer", "Number of intermediate steps for smooth drag movement", "minimum", 1, "default", defaultDragSteps),
			}),
			Capability: config.CapabilityVision,
			Mutates:    true,
			Run:        mouseDragXY,
		},
	}
}

func coord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func checkCoordinates(values ...float64) error {
	for _, v := range values {
		if v < 0 {
			return invalidParams("Coordinates must be non-negative")
		}
	}
	return nil
}

func mouseClickXY(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Button     string  `json:"button"`
		ClickCount int     `json:"clickCount"`
		Element    string  `json:"element"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if err := checkCoordinates(p.X, p.Y); err != nil {
		return nil, err
	}
	if p.ClickCount == 0 {
		p.ClickCount = 1
	}
	if p.ClickCount < 1 || p.ClickCount > 3 {
		return nil, invalidParams("clickCount must be between 1 and 3")
	}
	button, err := parseButton(p.Button)
	if err != nil {
		return nil, err
	}
	cs, page, err := activePage(env)
	if err != nil {
		return nil, err
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.MouseClick(actx, p.X, p.Y, browser.ClickOptions{Button: button, ClickCount: p.ClickCount}); err != nil {
		return nil, executionFailed(err, "Failed to click at (%s, %s): %v", coord(p.X), coord(p.Y), err)
	}
	cs.Invalidate()
	settle(ctx, env, page, true)

	verb := [...]string{1: "Clicked", 2: "Double-clicked", 3: "Triple-clicked"}[p.ClickCount]
	suffix := ""
	switch button {
	case browser.ButtonRight:
		suffix = " (right button)"
	case browser.ButtonMiddle:
		suffix = " (middle button)"
	}
	return TextResult(fmt.Sprintf("%s %s at (%s, %s)%s", verb, describeOr(p.Element, "position"), coord(p.X), coord(p.Y), suffix)), nil
}

func mouseMoveXY(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
		Steps int     `json:"steps"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if err := checkCoordinates(p.X, p.Y); err != nil {
		return nil, err
	}
	if p.Steps < 1 {
		p.Steps = 1
	}
	cs, page, err := activePage(env)
	if err != nil {
		return nil, err
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.MouseMove(actx, p.X, p.Y, p.Steps); err != nil {
		return nil, executionFailed(err, "Failed to move mouse: %v", err)
	}
	cs.Invalidate()
	if p.Steps > 1 {
		return TextResult(fmt.Sprintf("Moved mouse to (%s, %s) in %d steps", coord(p.X), coord(p.Y), p.Steps)), nil
	}
	return TextResult(fmt.Sprintf("Moved mouse to (%s, %s)", coord(p.X), coord(p.Y))), nil
}

func mouseDragXY(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		StartX float64 `json:"startX"`
		StartY float64 `json:"startY"`
		EndX   float64 `json:"endX"`
		EndY   float64 `json:"endY"`
		Steps  int     `json:"steps"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if err := checkCoordinates(p.StartX, p.StartY, p.EndX, p.EndY); err != nil {
		return nil, err
	}
	if p.Steps < 1 {
		p.Steps = defaultDragSteps
	}
	cs, page, err := activePage(env)
	if err != nil {
		return nil, err
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.MouseMove(actx, p.StartX, p.StartY, 1); err != nil {
		return nil, executionFailed(err, "Failed to move to start: %v", err)
	}
	if err := page.MouseDown(actx, browser.ButtonLeft); err != nil {
		return nil, executionFailed(err, "Failed mouse down: %v", err)
	}
	if err := page.MouseMove(actx, p.EndX, p.EndY, p.Steps); err != nil {
		_ = page.MouseUp(actx, browser.ButtonLeft)
		return nil, executionFailed(err, "Failed to drag to end: %v", err)
	}
	if err := page.MouseUp(actx, browser.ButtonLeft); err != nil {
		return nil, executionFailed(err, "Failed mouse up: %v", err)
	}
	cs.Invalidate()
	settle(ctx, env, page, false)
	return TextResult(fmt.Sprintf("Dragged from (%s, %s) to (%s, %s) in %d steps",
		coord(p.StartX), coord(p.StartY), coord(p.EndX), coord(p.EndY), p.Steps)), nil
}
