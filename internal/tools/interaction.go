// internal/tools/interaction.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

func interactionTools() []Definition {
	return []Definition{
		{
			Name: "browser_click",
			Description: "Click an element on the page using its ref from browser_snapshot. " +
				"Supports left/right/middle click, double-click, and modifier keys.",
			Schema: object([]string{"ref", "element"}, map[string]any{
				"ref":         prop("string", "Element reference from browser_snapshot (e.g., 'e12')"),
				"element":     prop("string", "Human-readable description of the element for verification"),
				"button":      prop("string", "Mouse button to click", "enum", []string{"left", "right", "middle"}, "default", "left"),
				"doubleClick": prop("boolean", "Whether to double-click", "default", false),
				"modifiers": prop("array", "Modifier keys to hold during click", "items", map[string]any{
					"type": "string",
					"enum": []string{"Alt", "Control", "ControlOrMeta", "Meta", "Shift"},
				}),
			}),
			Mutates: true,
			Run:     click,
		},
		{
			Name: "browser_type",
			Description: "Type text into an editable element on the page. Use 'slowly: true' for character-by-character " +
				"typing that triggers key handlers. Use 'submit: true' to press Enter after typing.",
			Schema: object([]string{"ref", "element", "text"}, map[string]any{
				"ref":     refProp,
				"element": elementProp,
				"text":    prop("string", "Text to type into the element"),
				"slowly":  prop("boolean", "Type one character at a time (triggers key handlers)", "default", false),
				"submit":  prop("boolean", "Press Enter after typing", "default", false),
			}),
			Mutates: true,
			Run:     typeText,
		},
		{
			Name: "browser_hover",
			Description: "Hover the mouse over an element on the page. Useful for triggering hover states, " +
				"tooltips, or dropdown menus.",
			Schema: object([]string{"ref", "element"}, map[string]any{
				"ref":     refProp,
				"element": elementProp,
			}),
			Mutates: true,
			Run:     hover,
		},
		{
			Name: "browser_press_key",
			Description: "Press a keyboard key. Supports key names like 'Enter', 'Tab', 'Escape', 'ArrowLeft', " +
				"and key combinations like 'Control+a', 'Shift+Tab', 'Alt+F4'.",
			Schema: object([]string{"key"}, map[string]any{
				"key": prop("string", "Name of the key to press or a character to generate, such as 'ArrowLeft', 'Enter', 'Tab', or 'a'. "+
					"Key combinations use '+' (e.g., 'Control+a', 'Shift+Tab')."),
			}),
			Mutates: true,
			Run:     pressKey,
		},
		{
			Name: "browser_select_option",
			Description: "Select an option in a dropdown element. For multi-select elements, " +
				"multiple values can be provided.",
			Schema: object([]string{"ref", "element", "values"}, map[string]any{
				"ref":     refProp,
				"element": prop("string", "Human-readable description of the dropdown"),
				"values": prop("array", "Values to select (by value attribute or visible text)",
					"items", map[string]any{"type": "string"}),
			}),
			Mutates: true,
			Run:     selectOption,
		},
		{
			Name: "browser_fill_form",
			Description: "Fill multiple form fields at once. Supports textbox, checkbox, radio, combobox (dropdown), " +
				"and slider field types. Each field requires a ref from browser_snapshot.",
			Schema: object([]string{"fields"}, map[string]any{
				"fields": prop("array", "Fields to fill in", "items", object(
					[]string{"name", "type", "ref", "value"},
					map[string]any{
						"name": prop("string", "Human-readable field name"),
						"type": enum("Type of the field", fieldTextbox, fieldCheckbox, fieldRadio, fieldCombobox, fieldSlider),
						"ref":  prop("string", "Exact target field reference from the page snapshot"),
						"value": prop("string", "Value to fill in the field. For checkbox, use 'true' or 'false'. "+
							"For combobox, use the option text."),
					},
				)),
			}),
			Mutates: true,
			Run:     fillForm,
		},
		{
			Name:        "browser_drag",
			Description: "Perform a drag and drop operation from one element to another.",
			Schema: object([]string{"startRef", "startElement", "endRef", "endElement"}, map[string]any{
				"startRef":     prop("string", "Source element reference from browser_snapshot"),
				"startElement": prop("string", "Human-readable description of the source element"),
				"endRef":       prop("string", "Target element reference from browser_snapshot"),
				"endElement":   prop("string", "Human-readable description of the target element"),
			}),
			Mutates: true,
			Run:     drag,
		},
		{
			Name: "browser_scroll_into_view",
			Description: "Scroll an element into the visible viewport. Useful for bringing elements into view " +
				"before taking screenshots or when elements are outside the visible viewport.",
			Schema: object([]string{"ref", "element"}, map[string]any{
				"ref":     refProp,
				"element": elementProp,
			}),
			Mutates: true,
			Run:     scrollIntoView,
		},
		{
			Name: "browser_file_upload",
			Description: "Upload one or multiple files to a file input. Call this after clicking a file input " +
				"or button that triggers a file chooser. If paths is empty or omitted, the file " +
				"chooser dialog is cancelled.",
			Schema: object(nil, map[string]any{
				"paths": prop("array", "Absolute paths to the files to upload. If omitted or empty, the file chooser is cancelled.",
					"items", map[string]any{"type": "string"}),
			}),
			Mutates: true,
			Run:     fileUpload,
		},
	}
}

// -- Input parsing --

func parseButton(s string) (browser.MouseButton, error) {
	switch strings.ToLower(s) {
	case "", "left":
		return browser.ButtonLeft, nil
	case "right":
		return browser.ButtonRight, nil
	case "middle":
		return browser.ButtonMiddle, nil
	}
	return "", invalidParams("unknown mouse button %q (expected left, right or middle)", s)
}

func parseModifiers(names []string) ([]browser.Modifier, error) {
	out := make([]browser.Modifier, 0, len(names))
	for _, n := range names {
		switch n {
		case "Alt":
			out = append(out, browser.ModifierAlt)
		case "Control":
			out = append(out, browser.ModifierControl)
		case "Meta":
			out = append(out, browser.ModifierMeta)
		case "Shift":
			out = append(out, browser.ModifierShift)
		case "ControlOrMeta":
			if runtime.GOOS == "darwin" {
				out = append(out, browser.ModifierMeta)
			} else {
				out = append(out, browser.ModifierControl)
			}
		default:
			return nil, invalidParams("unknown modifier %q", n)
		}
	}
	return out, nil
}

func describeOr(element, fallback string) string {
	if element == "" {
		return fallback
	}
	return element
}

// submitsForm reports whether a key press is likely to navigate.
func submitsForm(key string) bool {
	parts := strings.Split(key, "+")
	return strings.EqualFold(parts[len(parts)-1], "Enter")
}

// -- Handlers --

func click(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Ref         string   `json:"ref"`
		Element     string   `json:"element"`
		Button      string   `json:"button"`
		DoubleClick bool     `json:"doubleClick"`
		Modifiers   []string `json:"modifiers"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		return nil, invalidParams("ref is required")
	}
	button, err := parseButton(p.Button)
	if err != nil {
		return nil, err
	}
	mods, err := parseModifiers(p.Modifiers)
	if err != nil {
		return nil, err
	}

	r, err := resolveRef(ctx, env, p.Ref)
	if err != nil {
		return nil, err
	}
	opts := browser.ClickOptions{Button: button, ClickCount: 1, Modifiers: mods}
	if p.DoubleClick {
		opts.ClickCount = 2
	}

	desc := describeOr(p.Element, "element")
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := r.Element.Click(actx, opts); err != nil {
		return nil, executionFailed(err, "Failed to click element '%s' [ref=%s]: %v. The element may have changed since the snapshot.", desc, p.Ref, err)
	}
	r.Context.Invalidate()
	settle(ctx, env, r.Page, true)
	return TextResult(withWarning(fmt.Sprintf("Clicked %s [ref=%s]", desc, p.Ref), r.Warning())), nil
}

func typeText(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Ref     string `json:"ref"`
		Element string `json:"element"`
		Text    string `json:"text"`
		Slowly  bool   `json:"slowly"`
		Submit  bool   `json:"submit"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		return nil, invalidParams("ref is required")
	}
	r, err := resolveRef(ctx, env, p.Ref)
	if err != nil {
		return nil, err
	}

	desc := describeOr(p.Element, "element")
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if p.Slowly {
		err = r.Element.Type(actx, p.Text)
	} else {
		err = r.Element.Fill(actx, p.Text)
	}
	if err == nil && p.Submit {
		err = r.Page.PressKey(actx, "Enter")
	}
	r.Context.Invalidate()
	if err != nil {
		return nil, executionFailed(err, "Failed to type into element '%s': %v", desc, err)
	}
	settle(ctx, env, r.Page, p.Submit)

	out := fmt.Sprintf("Typed %q into %s [ref=%s]", p.Text, desc, p.Ref)
	if p.Submit {
		out += " and submitted"
	}
	return TextResult(withWarning(out, r.Warning())), nil
}

func hover(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Ref     string `json:"ref"`
		Element string `json:"element"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		return nil, invalidParams("ref is required")
	}
	r, err := resolveRef(ctx, env, p.Ref)
	if err != nil {
		return nil, err
	}
	desc := describeOr(p.Element, "element")
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := r.Element.Hover(actx); err != nil {
		return nil, executionFailed(err, "Failed to hover over element '%s': %v", desc, err)
	}
	r.Context.Invalidate()
	settle(ctx, env, r.Page, false)
	return TextResult(withWarning(fmt.Sprintf("Hovering over %s [ref=%s]", desc, p.Ref), r.Warning())), nil
}

func pressKey(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Key) == "" {
		return nil, invalidParams("Key cannot be empty")
	}
	cs, page, err := activePage(env)
	if err != nil {
		return nil, err
	}
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.PressKey(actx, p.Key); err != nil {
		return nil, executionFailed(err, "Failed to press key '%s': %v", p.Key, err)
	}
	cs.Invalidate()
	settle(ctx, env, page, submitsForm(p.Key))
	return TextResult(fmt.Sprintf("Pressed key '%s'", p.Key)), nil
}

func selectOption(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Ref     string   `json:"ref"`
		Element string   `json:"element"`
		Values  []string `json:"values"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if len(p.Values) == 0 {
		return nil, invalidParams("At least one value must be provided")
	}
	if p.Ref == "" {
		return nil, invalidParams("ref is required")
	}
	r, err := resolveRef(ctx, env, p.Ref)
	if err != nil {
		return nil, err
	}
	desc := describeOr(p.Element, "element")
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if _, err := r.Element.SelectOptions(actx, p.Values); err != nil {
		return nil, executionFailed(err, "Failed to select option(s) in '%s': %v", desc, err)
	}
	r.Context.Invalidate()
	settle(ctx, env, r.Page, false)

	quoted := make([]string, len(p.Values))
	for i, v := range p.Values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	out := fmt.Sprintf("Selected [%s] in %s [ref=%s]", strings.Join(quoted, ", "), desc, p.Ref)
	return TextResult(withWarning(out, r.Warning())), nil
}

// Form field types.
const (
	fieldTextbox  = "textbox"
	fieldCheckbox = "checkbox"
	fieldRadio    = "radio"
	fieldCombobox = "combobox"
	fieldSlider   = "slider"
)

type formField struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Ref   string `json:"ref"`
	Value string `json:"value"`
}

func fillForm(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Fields []formField `json:"fields"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if len(p.Fields) == 0 {
		return nil, invalidParams("At least one field must be provided")
	}
	for _, f := range p.Fields {
		switch f.Type {
		case fieldTextbox, fieldCheckbox, fieldRadio, fieldCombobox, fieldSlider:
		default:
			return nil, invalidParams("unknown field type %q for field '%s'", f.Type, f.Name)
		}
	}

	filled := make([]string, 0, len(p.Fields))
	var warnings []string
	for _, f := range p.Fields {
		r, err := resolveRef(ctx, env, f.Ref)
		if err != nil {
			return nil, err
		}
		if w := r.Warning(); w != "" {
			warnings = append(warnings, w)
		}

		actx, cancel := actionContext(ctx, env)
		err = fillField(actx, r.Element, f)
		cancel()
		r.Context.Invalidate()
		if err != nil {
			return nil, err
		}
		filled = append(filled, f.Name)
	}
	if _, page, err := activePage(env); err == nil {
		settle(ctx, env, page, false)
	}

	out := fmt.Sprintf("Filled %d field(s): %s", len(filled), strings.Join(filled, ", "))
	return TextResult(withWarning(out, strings.Join(warnings, "\n"))), nil
}

func fillField(ctx context.Context, el browser.Element, f formField) error {
	switch f.Type {
	case fieldCheckbox:
		if err := el.SetChecked(ctx, strings.EqualFold(f.Value, "true")); err != nil {
			return executionFailed(err, "Failed to set checkbox '%s': %v", f.Name, err)
		}
	case fieldRadio:
		if err := el.SetChecked(ctx, true); err != nil {
			return executionFailed(err, "Failed to select radio '%s': %v", f.Name, err)
		}
	case fieldCombobox:
		if _, err := el.SelectOptions(ctx, []string{f.Value}); err != nil {
			return executionFailed(err, "Failed to select option in '%s': %v", f.Name, err)
		}
	case fieldSlider:
		if err := el.Fill(ctx, f.Value); err != nil {
			return executionFailed(err, "Failed to set slider '%s': %v", f.Name, err)
		}
	default:
		if err := el.Fill(ctx, f.Value); err != nil {
			return executionFailed(err, "Failed to fill textbox '%s': %v", f.Name, err)
		}
	}
	return nil
}

func drag(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		StartRef     string `json:"startRef"`
		StartElement string `json:"startElement"`
		EndRef       string `json:"endRef"`
		EndElement   string `json:"endElement"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.StartRef == "" || p.EndRef == "" {
		return nil, invalidParams("startRef and endRef are required")
	}
	src, err := resolveRef(ctx, env, p.StartRef)
	if err != nil {
		return nil, err
	}
	dst, err := resolveRef(ctx, env, p.EndRef)
	if err != nil {
		return nil, err
	}
	if src.Context != dst.Context || src.Page.TargetID() != dst.Page.TargetID() {
		return nil, invalidParams("startRef and endRef must belong to the same page")
	}

	from, to := describeOr(p.StartElement, "element"), describeOr(p.EndElement, "element")
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := src.Element.DragTo(actx, dst.Element); err != nil {
		return nil, executionFailed(err, "Failed to drag '%s' to '%s': %v", from, to, err)
	}
	src.Context.Invalidate()
	settle(ctx, env, src.Page, false)

	out := fmt.Sprintf("Dragged %s [ref=%s] to %s [ref=%s]", from, p.StartRef, to, p.EndRef)
	warning := src.Warning()
	if w := dst.Warning(); w != "" {
		warning = strings.TrimSpace(warning + "\n" + w)
	}
	return TextResult(withWarning(out, warning)), nil
}

func scrollIntoView(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Ref     string `json:"ref"`
		Element string `json:"element"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		return nil, invalidParams("ref is required")
	}
	r, err := resolveRef(ctx, env, p.Ref)
	if err != nil {
		return nil, err
	}
	desc := describeOr(p.Element, "element")
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := r.Element.ScrollIntoView(actx); err != nil {
		return nil, executionFailed(err, "Failed to scroll element '%s' into view: %v", desc, err)
	}
	r.Context.Invalidate()
	return TextResult(withWarning(fmt.Sprintf("Scrolled %s into view [ref=%s]", desc, p.Ref), r.Warning())), nil
}

func fileUpload(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Paths []string `json:"paths"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	files, err := uploadFiles(p.Paths)
	if err != nil {
		return nil, err
	}

	cs, page, err := activePage(env)
	if err != nil {
		return nil, err
	}
	actx, cancel := actionContext(ctx, env)
	defer cancel()
	if err := page.SetInputFiles(actx, files); err != nil {
		if errors.Is(err, browser.ErrNoFileInput) {
			return nil, &ToolError{
				Kind:        KindElementNotFound,
				Message:     "No file input element found on the page.",
				Remediation: "Click the upload button or file input before calling browser_file_upload.",
				Err:         err,
			}
		}
		if len(files) == 0 {
			return nil, executionFailed(err, "Failed to cancel file chooser: %v", err)
		}
		return nil, executionFailed(err, "Failed to upload files: %v", err)
	}
	cs.Invalidate()
	settle(ctx, env, page, false)

	if len(files) == 0 {
		return TextResult("File chooser cancelled"), nil
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	return TextResult(fmt.Sprintf("Uploaded %d file(s): %s", len(files), strings.Join(names, ", "))), nil
}

// uploadFiles expands and checks each path. Every path must name an
// existing regular file.
func uploadFiles(paths []string) ([]string, error) {
	files := make([]string, 0, len(paths))
	for _, raw := range paths {
		path, err := homedir.Expand(raw)
		if err != nil {
			return nil, invalidParams("Invalid path %s: %v", raw, err)
		}
		if path, err = filepath.Abs(path); err != nil {
			return nil, invalidParams("Invalid path %s: %v", raw, err)
		}
		info, err := os.Stat(path)
		switch {
		case err != nil:
			return nil, invalidParams("File not found: %s", raw)
		case !info.Mode().IsRegular():
			return nil, invalidParams("Path is not a file: %s", raw)
		}
		files = append(files, path)
	}
	return files, nil
}
