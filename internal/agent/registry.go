package agent

import (
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conduit/internal/engines"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of a tool argument payload (10MB).
	MaxToolArgsSize = 10 << 20
)

// Registry holds the tools a loop may dispatch, with thread-safe
// registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	tool Tool

	// schema is the compiled parameter schema, nil when the tool has
	// none or it failed to compile (validation then falls back to the
	// plain-object check).
	schema *jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a tool, replacing any previous tool of the same name.
// The parameter schema is compiled once here so per-call validation is
// a pure lookup.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	entry := &registryEntry{tool: tool}
	if raw := tool.Schema(); len(raw) > 0 {
		if compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(raw)); err == nil {
			entry.schema = compiled
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tool.Name()] = entry
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns the engine-facing tool definitions, sorted by name so
// the prompt is stable across runs.
func (r *Registry) Defs() []engines.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]engines.ToolDef, 0, len(r.entries))
	for name, entry := range r.entries {
		defs = append(defs, engines.ToolDef{
			Name:        name,
			Description: entry.tool.Description(),
			Schema:      entry.tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// compiledSchema returns the precompiled schema for name, if any.
func (r *Registry) compiledSchema(name string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok {
		return entry.schema
	}
	return nil
}
