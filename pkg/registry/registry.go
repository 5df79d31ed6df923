// Package registry implements the Tool Registry: it scans configured
// plugin directories, validates each manifest, and exposes an immutable,
// thread-safe lookup. Layout: <root>/<tool-name>/manifest.json.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aria-run/aria/pkg/manifest"
	"github.com/aria-run/aria/pkg/types"
)

// LoadResult reports the outcome of scanning one plugin directory.
type LoadResult struct {
	Registered []string
	Rejected   map[string]error // tool directory name -> reason
}

// Registry is the immutable-after-load tool manifest lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*manifest.Manifest
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*manifest.Manifest)}
}

// Load scans dir for <dir>/<name>/manifest.json entries. A duplicate or
// invalid manifest is rejected and recorded in LoadResult.Rejected;
// already-registered tools are unaffected.
func (r *Registry) Load(dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadResult{Rejected: map[string]error{}}, nil
		}
		return nil, fmt.Errorf("registry: reading plugin dir %s: %w", dir, err)
	}

	result := &LoadResult{Rejected: make(map[string]error)}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // deterministic load order

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		manifestPath := filepath.Join(dir, name, "manifest.json")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			result.Rejected[name] = types.Wrap(types.KindManifestInvalid, "manifest.json not readable", err)
			continue
		}

		m, err := manifest.Parse(data, manifestPath)
		if err != nil {
			result.Rejected[name] = err
			continue
		}

		if _, exists := r.tools[m.Name]; exists {
			result.Rejected[name] = types.New(types.KindManifestInvalid, fmt.Sprintf("tool name %q already registered", m.Name))
			continue
		}

		r.tools[m.Name] = m
		result.Registered = append(result.Registered, m.Name)
	}

	return result, nil
}

// Get looks up a tool by name. Returns *types.Error{Kind: KindUnknownTool}
// if absent.
func (r *Registry) Get(name string) (*manifest.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tools[name]
	if !ok {
		return nil, types.New(types.KindUnknownTool, fmt.Sprintf("no tool named %q is registered", name))
	}
	return m, nil
}

// List returns every registered manifest, sorted by name for deterministic
// output (used by the `tools list` CLI command).
func (r *Registry) List() []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*manifest.Manifest, 0, len(r.tools))
	for _, m := range r.tools {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor renders one manifest's name/description/input schema for
// injection into the model prompt.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Descriptors returns the prompt-facing view of every registered tool,
// restricted to names, in the given allowlist order if non-nil.
func (r *Registry) Descriptors(allow []string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if allow != nil {
		names = allow
	} else {
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		m, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, Descriptor{Name: m.Name, Description: m.Description, InputSchema: m.InputSchema})
	}
	return out
}
