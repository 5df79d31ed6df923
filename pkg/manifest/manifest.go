// Package manifest defines the Tool Manifest data contract and validates
// manifests at load time: unique non-empty name, parseable semver,
// well-formed JSON-Schema input/output documents, a permission set drawn
// from the closed enum, and an allowlist of absolute, canonicalized path
// prefixes.
package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aria-run/aria/pkg/types"
)

// defaultMaxMemoryMB is the address-space ceiling applied when a manifest
// omits max_memory_mb, matching the reference sandbox's default.
const defaultMaxMemoryMB = 256

// Manifest is the validated, immutable description of one tool.
type Manifest struct {
	Name           string             `json:"name"`
	Version        string             `json:"version"`
	Description    string             `json:"description"`
	Permissions    []types.Permission `json:"permissions"`
	AllowedPaths   []string           `json:"allowed_paths,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	// MaxMemoryMB bounds the entrypoint process's address space, enforced
	// by the sandbox runner via RLIMIT_AS. Zero means "unset" and is
	// replaced with defaultMaxMemoryMB at Parse time.
	MaxMemoryMB int `json:"max_memory_mb,omitempty"`
	InputSchema    json.RawMessage    `json:"input_schema"`
	OutputSchema   json.RawMessage    `json:"output_schema"`
	// Entrypoint is the absolute path to the executable that implements
	// this tool's execute() operation.
	Entrypoint string `json:"entrypoint"`
	// PathFields names input fields the sandbox must resolve and check
	// against AllowedPaths before dispatch.
	PathFields []string `json:"path_fields,omitempty"`

	semver         *semver.Version
	compiledInput  *jsonschema.Schema
	compiledOutput *jsonschema.Schema
}

// SemVer returns the parsed semantic version.
func (m *Manifest) SemVer() *semver.Version { return m.semver }

// CompiledInputSchema returns the compiled JSON-Schema validator for input.
func (m *Manifest) CompiledInputSchema() *jsonschema.Schema { return m.compiledInput }

// CompiledOutputSchema returns the compiled JSON-Schema validator for output.
func (m *Manifest) CompiledOutputSchema() *jsonschema.Schema { return m.compiledOutput }

// MaxMemoryBytes returns the manifest's address-space ceiling in bytes.
func (m *Manifest) MaxMemoryBytes() uint64 { return uint64(m.MaxMemoryMB) * 1024 * 1024 }

// HasPermission reports whether the manifest declares p.
func (m *Manifest) HasPermission(p types.Permission) bool {
	for _, mp := range m.Permissions {
		if mp == p {
			return true
		}
	}
	return false
}

// PermissionsSubsetOf reports whether every permission m declares is also
// present in granted.
func (m *Manifest) PermissionsSubsetOf(granted []types.Permission) bool {
	grantedSet := make(map[types.Permission]bool, len(granted))
	for _, g := range granted {
		grantedSet[g] = true
	}
	for _, p := range m.Permissions {
		if !grantedSet[p] {
			return false
		}
	}
	return true
}

// Parse validates raw manifest JSON and returns a compiled Manifest.
// Any failure returns a *types.Error{Kind: KindManifestInvalid}.
func Parse(data []byte, sourcePath string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, types.Wrap(types.KindManifestInvalid, "manifest is not valid JSON", err)
	}

	if strings.TrimSpace(m.Name) == "" {
		return nil, types.New(types.KindManifestInvalid, "manifest name must not be empty")
	}

	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, types.Wrap(types.KindManifestInvalid, fmt.Sprintf("manifest %q has unparseable version %q", m.Name, m.Version), err)
	}
	m.semver = v

	for _, p := range m.Permissions {
		if !types.ValidPermission(p) {
			return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q declares unknown permission %q", m.Name, p))
		}
	}

	needsFSPermission := m.HasPermission(types.PermissionFilesystemRead) || m.HasPermission(types.PermissionFilesystemWrite)
	if len(m.AllowedPaths) > 0 && !needsFSPermission {
		return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q declares allowed_paths without a filesystem permission", m.Name))
	}
	canonicalAllowed := make([]string, 0, len(m.AllowedPaths))
	for _, p := range m.AllowedPaths {
		if !filepath.IsAbs(p) {
			return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q allowed_paths entry %q is not absolute", m.Name, p))
		}
		canonicalAllowed = append(canonicalAllowed, filepath.Clean(p))
	}
	m.AllowedPaths = canonicalAllowed

	if m.TimeoutSeconds <= 0 {
		return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q timeout_seconds must be positive, got %d", m.Name, m.TimeoutSeconds))
	}

	if m.MaxMemoryMB < 0 {
		return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q max_memory_mb must not be negative, got %d", m.Name, m.MaxMemoryMB))
	}
	if m.MaxMemoryMB == 0 {
		m.MaxMemoryMB = defaultMaxMemoryMB
	}

	m.compiledInput, err = compileSchema(m.Name, "input", m.InputSchema)
	if err != nil {
		return nil, err
	}
	m.compiledOutput, err = compileSchema(m.Name, "output", m.OutputSchema)
	if err != nil {
		return nil, err
	}

	if m.Entrypoint == "" {
		return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q missing entrypoint", m.Name))
	}
	if !filepath.IsAbs(m.Entrypoint) {
		if sourcePath == "" {
			return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q entrypoint must be absolute", m.Name))
		}
		m.Entrypoint = filepath.Clean(filepath.Join(filepath.Dir(sourcePath), m.Entrypoint))
	}

	return &m, nil
}

func compileSchema(toolName, which string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, types.New(types.KindManifestInvalid, fmt.Sprintf("manifest %q missing %s_schema", toolName, which))
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://aria/%s/%s.schema.json", toolName, which)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, types.Wrap(types.KindManifestInvalid, fmt.Sprintf("manifest %q %s_schema is not loadable", toolName, which), err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, types.Wrap(types.KindManifestInvalid, fmt.Sprintf("manifest %q %s_schema does not compile", toolName, which), err)
	}
	return schema, nil
}

// ValidateInput validates args against the manifest's input schema.
func (m *Manifest) ValidateInput(args map[string]any) error {
	if err := m.compiledInput.Validate(args); err != nil {
		return types.Wrap(types.KindToolInputValidationError, fmt.Sprintf("tool %q input failed schema validation", m.Name), err)
	}
	return nil
}

// ValidateOutput validates output against the manifest's output schema.
func (m *Manifest) ValidateOutput(output map[string]any) error {
	if err := m.compiledOutput.Validate(output); err != nil {
		return types.Wrap(types.KindToolOutputValidationError, fmt.Sprintf("tool %q output failed schema validation", m.Name), err)
	}
	return nil
}
