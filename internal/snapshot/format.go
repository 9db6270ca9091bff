// internal/snapshot/format.go
package snapshot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const indentUnit = "  "

// Format renders the outline followed by any notes.
func (s *Snapshot) Format() string {
	var b strings.Builder
	writeElement(&b, s.Root, 0, s.textLimit())
	for _, n := range s.Notes {
		b.WriteString("\n")
		b.WriteString(n)
	}
	return b.String()
}

func (s *Snapshot) textLimit() int {
	if s.maxTextLength > 0 {
		return s.maxTextLength
	}
	return DefaultMaxTextLength
}

// FormatTree renders an element tree without notes.
func FormatTree(root *Element, maxText int) string {
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}
	var b strings.Builder
	writeElement(&b, root, 0, maxText)
	return b.String()
}

func writeElement(b *strings.Builder, el *Element, depth, maxText int) {
	if el == nil {
		return
	}
	indent := strings.Repeat(indentUnit, depth)
	b.WriteString(indent)
	b.WriteString("- ")
	b.WriteString(el.Role)
	if el.Name != "" {
		fmt.Fprintf(b, " %q", Truncate(el.Name, maxText))
	}
	if el.Frame {
		b.WriteString(" [frame-boundary]")
	}
	writeState(b, el)
	if el.Ref != "" {
		fmt.Fprintf(b, " [ref=%s]", el.Ref)
	}
	b.WriteByte('\n')

	if el.Text != "" && el.Text != el.Name {
		b.WriteString(indent)
		b.WriteString(indentUnit)
		fmt.Fprintf(b, "- text: %q\n", Truncate(el.Text, maxText))
	}
	for _, c := range el.Children {
		writeElement(b, c, depth+1, maxText)
	}
}

func writeState(b *strings.Builder, el *Element) {
	if el.Disabled {
		b.WriteString(" (disabled)")
	}
	if el.Expanded != nil {
		if *el.Expanded {
			b.WriteString(" (expanded)")
		} else {
			b.WriteString(" (collapsed)")
		}
	}
	if el.Selected {
		b.WriteString(" (selected)")
	}
	switch el.Checked {
	case "true":
		b.WriteString(" (checked)")
	case "false":
		b.WriteString(" (unchecked)")
	case "mixed":
		b.WriteString(" (mixed)")
	}
	if el.Pressed {
		b.WriteString(" (pressed)")
	}
	if el.Level > 0 {
		fmt.Fprintf(b, " (level %d)", el.Level)
	}
	if el.Value != "" {
		fmt.Fprintf(b, " (value: %s)", el.Value)
	}
}

// Truncate cuts s to max runes and appends "..." when anything was cut.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
