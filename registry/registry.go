// Package registry holds per-tool risk profiles for the lifetime of the
// process. Profiles are registered at startup and immutable afterwards;
// reads vastly outnumber writes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/execplane/policy"
)

// ErrInvalidProfile rejects registrations with no tool name or an
// uncompilable argument schema.
var ErrInvalidProfile = errors.New("invalid tool profile")

// ToolProfile is the configured risk metadata for one tool.
type ToolProfile struct {
	ToolName     string
	Criticality  policy.Criticality
	Irreversible bool
	Regulatory   bool
	RiskTier     string

	// RequireToken forces the token path on ALLOW even below HIGH
	// criticality. Per-tool hardening hook; default off.
	RequireToken bool

	// ArgsSchema optionally constrains tool arguments (JSON Schema).
	// Compiled once at registration.
	ArgsSchema json.RawMessage

	// ScanPII and ScanInjection enable content scanning of serialized
	// arguments. Unregistered tools get both (see Resolve).
	ScanPII       bool
	ScanInjection bool

	compiled *jsonschema.Schema
}

// ValidateArgs checks args against the profile's argument schema and the
// enabled content scans. Profiles with no schema and no scans accept
// everything.
func (p *ToolProfile) ValidateArgs(args map[string]any) error {
	if p == nil {
		return nil
	}
	if p.compiled == nil && !p.ScanPII && !p.ScanInjection {
		return nil
	}
	// Round-trip so numeric types match what the schema compiler saw.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("ValidateArgs: %w", err)
	}
	if p.compiled != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("ValidateArgs: %w", err)
		}
		if err := p.compiled.Validate(doc); err != nil {
			return err
		}
	}
	return scanArgs(string(raw), p.ScanPII, p.ScanInjection)
}

// Registry is a process-wide tool_name -> ToolProfile map. Writes are
// serialized; reads go through a read lock.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*ToolProfile
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{profiles: make(map[string]*ToolProfile)}
}

// Register adds or replaces a profile. Replacing is idempotent. The
// argument schema, when present, is compiled here so lookups stay cheap.
func (r *Registry) Register(profile ToolProfile) error {
	if profile.ToolName == "" {
		return fmt.Errorf("Register: %w: empty tool name", ErrInvalidProfile)
	}
	if profile.Criticality == "" {
		profile.Criticality = policy.CriticalityLow
	}
	if len(profile.ArgsSchema) > 0 {
		sch, err := compileSchema(profile.ToolName, profile.ArgsSchema)
		if err != nil {
			return fmt.Errorf("Register: %w: %v", ErrInvalidProfile, err)
		}
		profile.compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.ToolName] = &profile
	return nil
}

// Get returns the profile for a tool, or nil if the tool is unregistered.
func (r *Registry) Get(toolName string) *ToolProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[toolName]
}

// Resolve returns the registered profile, or the default profile for
// unknown tools: MEDIUM criticality, no schema, no token override, both
// content scans on.
func (r *Registry) Resolve(toolName string) *ToolProfile {
	if p := r.Get(toolName); p != nil {
		return p
	}
	return &ToolProfile{
		ToolName:      toolName,
		Criticality:   policy.CriticalityMedium,
		ScanPII:       true,
		ScanInjection: true,
	}
}

// All returns a snapshot copy of the registered profiles.
func (r *Registry) All() map[string]ToolProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ToolProfile, len(r.profiles))
	for name, p := range r.profiles {
		out[name] = *p
	}
	return out
}

func compileSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := toolName + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
