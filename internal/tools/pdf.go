// internal/tools/pdf.go
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
)

// paperSize is a page size in inches.
type paperSize struct {
	label         string
	width, height float64
}

var paperSizes = map[string]paperSize{
	"letter":  {"Letter", 8.5, 11},
	"legal":   {"Legal", 8.5, 14},
	"tabloid": {"Tabloid", 11, 17},
	"ledger":  {"Ledger", 17, 11},
	"a0":      {"A0", 33.1, 46.8},
	"a1":      {"A1", 23.4, 33.1},
	"a2":      {"A2", 16.54, 23.4},
	"a3":      {"A3", 11.7, 16.54},
	"a4":      {"A4", 8.27, 11.7},
	"a5":      {"A5", 5.83, 8.27},
	"a6":      {"A6", 4.13, 5.83},
}

func pdfTools() []Definition {
	return []Definition{{
		Name: "browser_pdf_save",
		Description: "Save the current page as a PDF file. Supports various paper formats, " +
			"orientation, scaling, and page range selection.",
		Schema: object([]string{"path"}, map[string]any{
			"path": prop("string", "File path to save the PDF (e.g., '/tmp/page.pdf')"),
			"format": prop("string", "Paper format", "enum",
				[]string{"letter", "legal", "tabloid", "ledger", "a0", "a1", "a2", "a3", "a4", "a5", "a6"}, "default", "letter"),
			"landscape":       prop("boolean", "Use landscape orientation", "default", false),
			"printBackground": prop("boolean", "Print background graphics", "default", false),
			"scale":           prop("number", "Scale factor (default 1.0)", "minimum", 0.1, "maximum", 2.0),
			"pageRanges":      prop("string", "Page ranges to print (e.g., '1-5, 8, 11-13')"),
			"margin":          prop("number", "Margin in inches (uniform on all sides)"),
		}),
		Capability: config.CapabilityPDF,
		Run:        savePDF,
	}}
}

func savePDF(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Path            string   `json:"path"`
		Format          string   `json:"format"`
		Landscape       bool     `json:"landscape"`
		PrintBackground bool     `json:"printBackground"`
		Scale           *float64 `json:"scale"`
		PageRanges      string   `json:"pageRanges"`
		Margin          *float64 `json:"margin"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, invalidParams("Path cannot be empty")
	}
	scale := 1.0
	if p.Scale != nil {
		scale = *p.Scale
		if scale < 0.1 || scale > 2.0 {
			return nil, invalidParams("Scale must be between 0.1 and 2.0")
		}
	}
	if p.Format == "" {
		p.Format = "letter"
	}
	size, ok := paperSizes[strings.ToLower(p.Format)]
	if !ok {
		return nil, invalidParams("unknown paper format %q", p.Format)
	}
	_, page, err := activePage(env)
	if err != nil {
		return nil, err
	}

	opts := browser.PDFOptions{
		Landscape:       p.Landscape,
		PrintBackground: p.PrintBackground,
		Scale:           scale,
		PaperWidth:      size.width,
		PaperHeight:     size.height,
		PageRanges:      p.PageRanges,
	}
	if p.Margin != nil {
		m := *p.Margin
		opts.MarginTop, opts.MarginBottom, opts.MarginLeft, opts.MarginRight = m, m, m, m
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	data, err := page.PDF(actx, opts)
	if err != nil {
		return nil, executionFailed(err, "Failed to generate PDF: %v", err)
	}

	path, err := homedir.Expand(p.Path)
	if err != nil {
		return nil, executionFailed(err, "Failed to save PDF: %v", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, executionFailed(err, "Failed to save PDF: %v", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, executionFailed(err, "Failed to save PDF: %v", err)
	}
	return TextResult(fmt.Sprintf("PDF saved to '%s' (%d bytes, format: %s, landscape: %t)", p.Path, len(data), size.label, p.Landscape)), nil
}
