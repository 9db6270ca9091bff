// internal/tools/errors.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindInvalidParams      ErrorKind = "invalid_params"
	KindExecutionFailed    ErrorKind = "execution_failed"
	KindBrowserUnavailable ErrorKind = "browser_not_available"
	KindElementNotFound    ErrorKind = "element_not_found"
	KindStaleRef           ErrorKind = "stale_ref"
	KindTimeout            ErrorKind = "timeout"
)

var kindPrefix = map[ErrorKind]string{
	KindInvalidParams:      "Invalid parameters",
	KindExecutionFailed:    "Execution failed",
	KindBrowserUnavailable: "Browser not available",
	KindElementNotFound:    "Element not found",
	KindTimeout:            "Timeout",
}

// ToolError is a failure rendered into tool output. Err keeps the cause
// reachable through errors.Is so connection loss is still recognized.
type ToolError struct {
	Kind        ErrorKind
	Message     string
	Remediation string
	Err         error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	if p, ok := kindPrefix[e.Kind]; ok {
		b.WriteString(p)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Remediation != "" && !strings.Contains(e.Message, e.Remediation) {
		b.WriteString("\n\n")
		b.WriteString(e.Remediation)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error { return e.Err }

func invalidParams(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func executionFailed(err error, format string, args ...any) *ToolError {
	return &ToolError{Kind: KindExecutionFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

func browserUnavailable(err error) *ToolError {
	return &ToolError{
		Kind:        KindBrowserUnavailable,
		Message:     err.Error(),
		Remediation: "Check the browser configuration and retry; the browser is relaunched on the next call.",
		Err:         err,
	}
}

var errNoActivePage = &ToolError{
	Kind:        KindBrowserUnavailable,
	Message:     "No active page",
	Remediation: "Use browser_navigate or browser_tabs with action 'new' to open a page.",
	Err:         session.ErrNoActivePage,
}

// refError maps a ResolveRef failure onto a tool error.
func refError(ref string, err error) *ToolError {
	var stale *snapshot.StaleRefError
	switch {
	case errors.As(err, &stale):
		return &ToolError{Kind: KindStaleRef, Message: stale.Error(), Err: err}
	case errors.Is(err, snapshot.ErrInvalidRefFormat):
		return &ToolError{Kind: KindInvalidParams, Message: err.Error(), Err: err}
	case errors.Is(err, browser.ErrElementNotFound):
		return &ToolError{
			Kind:        KindElementNotFound,
			Message:     fmt.Sprintf("Element ref '%s': %v", ref, err),
			Remediation: snapshot.Remediation,
			Err:         err,
		}
	case errors.Is(err, session.ErrNoActivePage):
		return errNoActivePage
	case errors.Is(err, session.ErrContextNotFound):
		return &ToolError{
			Kind:        KindInvalidParams,
			Message:     err.Error(),
			Remediation: "Use browser_context_list to see available contexts.",
			Err:         err,
		}
	case errors.Is(err, browser.ErrConnectionLost):
		return browserUnavailable(err)
	}
	return executionFailed(err, "Failed to resolve ref '%s': %v", ref, err)
}

// Wrap converts any error into a *ToolError, leaving tool errors as they are.
func Wrap(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Kind: KindTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, browser.ErrConnectionLost),
		errors.Is(err, session.ErrLaunchFailed),
		errors.Is(err, session.ErrConnectFailed),
		errors.Is(err, session.ErrShuttingDown):
		return browserUnavailable(err)
	}
	return &ToolError{Kind: KindExecutionFailed, Message: err.Error(), Err: err}
}
