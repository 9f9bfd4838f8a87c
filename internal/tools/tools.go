// Package tools is the action registry the Operator resolves plan steps
// against. Each tool takes a flat string parameter map and returns captured
// output; execution failures come back as errors and become step failures.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MaxOutputBytes caps captured tool output.
const MaxOutputBytes = 4096

// Tool is one executable action.
type Tool interface {
	// Name is the action identifier plans refer to.
	Name() string
	// Description is a one-line summary for the tool-selection prompt.
	Description() string
	// Execute runs the tool in workDir and returns captured output.
	Execute(ctx context.Context, params map[string]string, workDir string) (string, error)
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalogue renders a name-and-description listing for tool-selection
// prompts.
func (r *Registry) Catalogue() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, r.tools[name].Description())
	}
	return sb.String()
}

// Truncate caps output at MaxOutputBytes, marking the cut.
func Truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + "\n... (output truncated)"
}
