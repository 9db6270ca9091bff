// internal/tools/contexts.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
)

func contextTools() []Definition {
	return []Definition{
		{
			Name: "browser_context_create",
			Description: "Create a new isolated browser context with its own cookies, storage, and cache. " +
				"The new context becomes the active context.",
			Schema: object([]string{"name"}, map[string]any{
				"name": prop("string", "Unique name for the new browser context"),
				"proxy": map[string]any{
					"type":        "object",
					"description": "Optional proxy configuration",
					"required":    []string{"server"},
					"properties": map[string]any{
						"server":   prop("string", "Proxy server URL (e.g., 'socks5://proxy:1080')"),
						"username": prop("string", "Optional username for proxy authentication"),
						"password": prop("string", "Optional password for proxy authentication"),
						"bypass":   prop("string", "Optional comma-separated hosts that skip the proxy"),
					},
				},
				"storageState": prop("string", "Path to JSON file with cookies/localStorage to restore"),
			}),
			Run: contextCreate,
		},
		{
			Name: "browser_context_switch",
			Description: "Switch to an existing browser context by name. " +
				"The context must have been previously created with browser_context_create.",
			Schema: object([]string{"name"}, map[string]any{
				"name": prop("string", "Name of the context to switch to"),
			}),
			Run: contextSwitch,
		},
		{
			Name: "browser_context_close",
			Description: "Close a browser context by name. Cannot close the only remaining context. " +
				"If the closed context was active, switches to the default context.",
			Schema: object([]string{"name"}, map[string]any{
				"name": prop("string", "Name of the context to close"),
			}),
			Run: contextClose,
		},
		{
			Name: "browser_context_list",
			Description: "List all browser contexts with their details including name, active status, " +
				"page count, current URL, and proxy configuration.",
			Schema: object(nil, map[string]any{}),
			Run:    contextList,
		},
		{
			Name: "browser_context_save_storage",
			Description: "Save the storage state (cookies and localStorage) of a browser context to a JSON file. " +
				"This can be used to persist authentication state for later use.",
			Schema: object([]string{"path"}, map[string]any{
				"name": prop("string", "Name of the context to save. Defaults to the active context if not provided."),
				"path": prop("string", "File path to save the storage state JSON to"),
			}),
			Run: contextSaveStorage,
		},
	}
}

type contextNameArgs struct {
	Name string `json:"name"`
}

func decodeName(args json.RawMessage) (string, error) {
	var p contextNameArgs
	if err := decode(args, &p); err != nil {
		return "", err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return "", invalidParams("Context name cannot be empty")
	}
	return name, nil
}

func contextCreate(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Name  string `json:"name"`
		Proxy *struct {
			Server   string `json:"server"`
			Username string `json:"username"`
			Password string `json:"password"`
			Bypass   string `json:"bypass"`
		} `json:"proxy"`
		StorageState string `json:"storageState"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, invalidParams("Context name cannot be empty")
	}

	opts := session.ContextOptions{StorageStatePath: p.StorageState}
	if p.Proxy != nil {
		if p.Proxy.Server == "" {
			return nil, invalidParams("proxy.server is required when proxy is provided")
		}
		opts.Proxy = &config.ProxyConfig{
			Server:   p.Proxy.Server,
			Username: p.Proxy.Username,
			Password: p.Proxy.Password,
			Bypass:   p.Proxy.Bypass,
		}
	}

	if _, err := env.Manager.CreateContext(ctx, name, opts); err != nil {
		te := executionFailed(err, "Failed to create context: %v", err)
		if errors.Is(err, session.ErrContextExists) {
			te.Remediation = "Use browser_context_switch to activate the existing context."
		}
		return nil, te
	}

	out := fmt.Sprintf("Created browser context '%s' and set as active", name)
	if opts.Proxy != nil {
		out += fmt.Sprintf(" with proxy '%s'", opts.Proxy.Server)
	}
	if p.StorageState != "" {
		out += fmt.Sprintf(" (storage state restored from '%s')", p.StorageState)
	}
	return TextResult(out), nil
}

func contextSwitch(_ context.Context, env *Env, args json.RawMessage) (*Result, error) {
	name, err := decodeName(args)
	if err != nil {
		return nil, err
	}
	prev, err := env.Manager.SwitchContext(name)
	if err != nil {
		return nil, &ToolError{
			Kind:        KindExecutionFailed,
			Message:     fmt.Sprintf("Failed to switch context: %v", err),
			Remediation: "Use browser_context_list to see available contexts.",
			Err:         err,
		}
	}
	return TextResult(fmt.Sprintf("Switched from context '%s' to '%s'", prev, name)), nil
}

func contextClose(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	name, err := decodeName(args)
	if err != nil {
		return nil, err
	}
	wasActive := env.Manager.ActiveContextName() == name
	active, err := env.Manager.CloseContext(ctx, name)
	if err != nil {
		if errors.Is(err, session.ErrCannotCloseLastContext) {
			return nil, executionFailed(err, "Cannot close the only remaining context")
		}
		return nil, executionFailed(err, "Failed to close context: %v", err)
	}
	out := fmt.Sprintf("Closed browser context '%s'", name)
	if wasActive {
		out += fmt.Sprintf(". Switched to context '%s'", active)
	}
	return TextResult(out), nil
}

type proxyInfo struct {
	Server  string `json:"server"`
	HasAuth bool   `json:"hasAuth"`
}

type contextInfo struct {
	Name       string     `json:"name"`
	IsActive   bool       `json:"isActive"`
	PageCount  int        `json:"pageCount"`
	CurrentURL *string    `json:"currentUrl"`
	Proxy      *proxyInfo `json:"proxy"`
}

type contextListing struct {
	Contexts      []contextInfo `json:"contexts"`
	ActiveContext string        `json:"activeContext"`
	TotalCount    int           `json:"totalCount"`
}

func contextList(_ context.Context, env *Env, _ json.RawMessage) (*Result, error) {
	all := env.Manager.Contexts()
	if len(all) == 0 {
		return TextResult("No browser contexts available"), nil
	}
	active := env.Manager.ActiveContextName()
	listing := contextListing{Contexts: make([]contextInfo, 0, len(all)), ActiveContext: active, TotalCount: len(all)}
	for _, cs := range all {
		info := contextInfo{Name: cs.Name(), IsActive: cs.Name() == active, PageCount: len(cs.Pages())}
		if u := cs.CurrentURL(); u != "" {
			info.CurrentURL = &u
		}
		if px := cs.Proxy(); px != nil && px.Enabled() {
			info.Proxy = &proxyInfo{Server: px.Server, HasAuth: px.HasAuth()}
		}
		listing.Contexts = append(listing.Contexts, info)
	}
	return TextResult(prettyJSON(listing)), nil
}

func contextSaveStorage(ctx context.Context, env *Env, args json.RawMessage) (*Result, error) {
	var p struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := decode(args, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, invalidParams("Path cannot be empty")
	}

	var (
		cs  *session.ContextState
		err error
	)
	if p.Name != "" {
		if cs, err = env.Manager.Context(p.Name); err != nil {
			return nil, executionFailed(err, "Context '%s' not found: %v", p.Name, err)
		}
	} else if cs, err = env.Manager.ActiveContext(); err != nil {
		return nil, executionFailed(err, "Failed to get active context: %v", err)
	}

	actx, cancel := actionContext(ctx, env)
	defer cancel()
	state, err := cs.StorageState(actx)
	if err != nil {
		return nil, executionFailed(err, "Failed to collect storage state: %v", err)
	}
	if _, err := session.SaveStorageState(p.Path, state); err != nil {
		return nil, executionFailed(err, "Failed to save storage state to '%s': %v", p.Path, err)
	}

	out, err := json.Marshal(struct {
		Saved   bool   `json:"saved"`
		Context string `json:"context"`
		Path    string `json:"path"`
		Message string `json:"message"`
	}{
		Saved:   true,
		Context: cs.Name(),
		Path:    p.Path,
		Message: fmt.Sprintf("Storage state for context '%s' saved to '%s'", cs.Name(), p.Path),
	})
	if err != nil {
		return TextResult(fmt.Sprintf("Storage state saved to '%s'", p.Path)), nil
	}
	return TextResult(string(out)), nil
}
