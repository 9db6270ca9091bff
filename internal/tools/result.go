// internal/tools/result.go
package tools

import (
	"encoding/base64"
)

// Content is one block of tool output.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is what a tool call returns to the client.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// TextResult wraps plain text output.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult renders err as an error result.
func ErrorResult(err error) *Result {
	r := TextResult(Wrap(err).Error())
	r.IsError = true
	return r
}

// Text joins the text blocks of r.
func (r *Result) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

func (r *Result) withImage(data []byte, mimeType string) *Result {
	r.Content = append(r.Content, Content{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	})
	return r
}

// withWarning appends a staleness note to text output.
func withWarning(text, warning string) string {
	if warning == "" {
		return text
	}
	return text + "\n\n" + warning
}
