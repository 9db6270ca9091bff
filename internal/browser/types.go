// internal/browser/types.go
package browser

import (
	"strings"
	"time"
)

// Viewport is a page size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Rect is an element box in page coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// AXNode is one node of an accessibility tree as reported by the driver.
type AXNode struct {
	// Ref is the driver-native handle, "e" followed by the backend DOM node id.
	Ref         string
	Role        string
	Name        string
	Description string
	Value       string
	// Text is static text content directly owned by the node.
	Text     string
	TabIndex *int
	Ignored  bool

	Disabled bool
	Expanded *bool
	Selected bool
	// Checked is "true", "false", "mixed" or empty when not checkable.
	Checked string
	Pressed bool
	Level   int

	// Frame is set on iframe owners whose Children hold the frame's document.
	Frame    bool
	Children []*AXNode
}

// MouseButton names a pointer button.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// Modifier is a keyboard modifier held during a click.
type Modifier string

const (
	ModifierAlt     Modifier = "Alt"
	ModifierControl Modifier = "Control"
	ModifierMeta    Modifier = "Meta"
	ModifierShift   Modifier = "Shift"
)

// ClickOptions configures a click.
type ClickOptions struct {
	Button     MouseButton
	ClickCount int
	Modifiers  []Modifier
}

// ImageFormat is a screenshot encoding.
type ImageFormat string

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
)

// MimeType returns the MIME type for the format.
func (f ImageFormat) MimeType() string {
	if f == ImageJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// ScreenshotOptions configures a page screenshot.
type ScreenshotOptions struct {
	Format   ImageFormat
	FullPage bool
}

// PDFOptions configures PDF export. Dimensions are in inches.
type PDFOptions struct {
	Landscape       bool
	PrintBackground bool
	Scale           float64
	PaperWidth      float64
	PaperHeight     float64
	MarginTop       float64
	MarginBottom    float64
	MarginLeft      float64
	MarginRight     float64
	PageRanges      string
}

// DialogResponse answers a JavaScript alert, confirm or prompt.
type DialogResponse struct {
	Accept     bool
	PromptText string
}

// ConsoleMessage is one console API call captured from a page.
type ConsoleMessage struct {
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	URL        string    `json:"url,omitempty"`
	LineNumber int       `json:"lineNumber,omitempty"`
}

// NetworkRequest is one completed or failed request captured from a page.
type NetworkRequest struct {
	URL          string  `json:"url"`
	Method       string  `json:"method"`
	ResourceType string  `json:"type"`
	Status       int     `json:"status,omitempty"`
	DurationMS   float64 `json:"duration"`
	Size         int64   `json:"size"`
	Failed       bool    `json:"failed,omitempty"`
	ErrorText    string  `json:"errorText,omitempty"`
}

// IsStatic reports whether the request fetched a static asset.
func (r NetworkRequest) IsStatic() bool {
	switch strings.ToLower(r.ResourceType) {
	case "image", "img", "font", "stylesheet", "script", "media":
		return true
	}
	return false
}

// Succeeded reports a non-failed request with a 2xx or 3xx status, or no status yet.
func (r NetworkRequest) Succeeded() bool {
	if r.Failed {
		return false
	}
	return r.Status == 0 || (r.Status >= 200 && r.Status < 400)
}

// StorageState is a portable snapshot of a context's cookies and localStorage.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Cookie mirrors the fields needed to restore a cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// OriginState holds the localStorage entries of one origin.
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// NameValue is a localStorage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
