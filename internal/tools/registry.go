// internal/tools/registry.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
)

var (
	// ErrUnknownTool is returned for a name that is not in the catalog.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrCapabilityDisabled is returned for a tool gated behind a capability
	// the server was not started with.
	ErrCapabilityDisabled = errors.New("capability not enabled")
)

// Env carries what a tool needs to act on the browser.
type Env struct {
	Manager *session.Manager
	Config  config.Interface
	Logger  *zap.Logger
	Now     func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Handler runs one tool call.
type Handler func(ctx context.Context, env *Env, args json.RawMessage) (*Result, error)

// Definition describes a tool in the catalog.
type Definition struct {
	Name        string
	Description string
	Schema      Schema
	// Capability gates the tool; empty means always available.
	Capability string
	// Mutates marks tools that can change the page, so cached snapshots
	// are dropped after they run.
	Mutates bool
	Run     Handler
}

// Registry is the catalog filtered by the enabled capabilities.
type Registry struct {
	caps   map[string]bool
	defs   []Definition
	byName map[string]int
}

// NewRegistry builds the registry for the given capabilities.
func NewRegistry(capabilities []string) *Registry {
	r := &Registry{
		caps:   make(map[string]bool, len(capabilities)),
		defs:   catalog(),
		byName: make(map[string]int),
	}
	for _, c := range capabilities {
		r.caps[c] = true
	}
	for i, d := range r.defs {
		r.byName[d.Name] = i
	}
	return r
}

func catalog() []Definition {
	var defs []Definition
	defs = append(defs, navigationTools()...)
	defs = append(defs, interactionTools()...)
	defs = append(defs, inspectionTools()...)
	defs = append(defs, tabTools()...)
	defs = append(defs, contextTools()...)
	defs = append(defs, visionTools()...)
	defs = append(defs, pdfTools()...)
	return defs
}

// Enabled reports whether a capability is switched on. The empty
// capability is always enabled.
func (r *Registry) Enabled(capability string) bool {
	return capability == "" || r.caps[capability]
}

// Available returns the tools that can be called, in catalog order.
func (r *Registry) Available() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if r.Enabled(d.Capability) {
			out = append(out, d)
		}
	}
	return out
}

// Lookup finds an available tool by name.
func (r *Registry) Lookup(name string) (Definition, error) {
	i, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	d := r.defs[i]
	if !r.Enabled(d.Capability) {
		return Definition{}, fmt.Errorf("%w: tool '%s' requires the '%s' capability", ErrCapabilityDisabled, name, d.Capability)
	}
	return d, nil
}

// Call initializes the browser if needed and runs the named tool. Lookup
// failures come back as ErrUnknownTool or ErrCapabilityDisabled; anything
// else is a tool failure the caller renders with ErrorResult.
func (r *Registry) Call(ctx context.Context, env *Env, name string, args json.RawMessage) (*Result, error) {
	def, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := env.Manager.Initialize(ctx); err != nil {
		return nil, browserUnavailable(err)
	}

	res, err := def.Run(ctx, env, args)
	if def.Mutates {
		if cs, cerr := env.Manager.ActiveContext(); cerr == nil {
			cs.Invalidate()
		}
	}
	if err != nil {
		return nil, Wrap(err)
	}
	return res, nil
}
