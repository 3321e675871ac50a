// Package tools implements the tool registry and invoker. Tools are named
// handlers with JSON-schema argument validation; the invoker executes
// invocation requests under per-agent quotas and deduplication and always
// produces exactly one result envelope per request.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tradegraph/tradegraph/model"
)

// Classification separates read-only tools, which are safe to cache and
// deduplicate, from side-effectful ones.
type Classification string

const (
	// ReadOnly tools have no external effects; results are cacheable.
	ReadOnly Classification = "read-only"
	// SideEffectful tools mutate external state and bypass the cache.
	SideEffectful Classification = "side-effectful"
)

// Handler executes a tool invocation. Arguments are a mapping of JSON-scalar
// values; the returned content must serialize into a message. Failures should
// be classified (resilience.Failure) so envelopes carry the taxonomy.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor describes a registered tool.
type Descriptor struct {
	// Name identifies the tool to agents and the ledger.
	Name string
	// Description provides usage context for the model.
	Description string
	// Schema is the JSON schema validating arguments. Nil skips validation.
	Schema any
	// Handler executes the tool.
	Handler Handler
	// Classification marks the tool read-only or side-effectful.
	Classification Classification
	// DataClass selects the cache TTL (quote, indicators, fundamentals,
	// news, social).
	DataClass string
	// BreakerGroup names the external service this tool depends on; all
	// tools in a group share one circuit breaker.
	BreakerGroup string
}

// Registry maps tool names to descriptors. Registration compiles argument
// schemas once; validation on the invocation path is pure CPU work.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Descriptor
	compiled map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Descriptor),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Registering a duplicate name or a descriptor without
// a handler is an error.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("tool descriptor requires a name")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", d.Name)
	}
	if d.Classification == "" {
		d.Classification = ReadOnly
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[d.Name]; dup {
		return fmt.Errorf("tool %q already registered", d.Name)
	}
	if d.Schema != nil {
		schema, err := compileSchema(d.Name, d.Schema)
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", d.Name, err)
		}
		r.compiled[d.Name] = schema
	}
	r.tools[d.Name] = d
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names returns all registered tool names, sorted.
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

// NamesByClass returns the sorted names of tools whose data class is in
// classes.
func (r *Registry) NamesByClass(classes ...string) []string {
	want := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		want[c] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, d := range r.tools {
		if _, ok := want[d.DataClass]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing definitions for the named tools,
// skipping unknown names. Pass no names for every registered tool.
func (r *Registry) Definitions(names ...string) []model.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	defs := make([]model.ToolDefinition, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		d, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return defs
}

// ValidateArgs checks args against the tool's compiled schema. Tools without
// a schema accept anything.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	// The validator wants plain JSON values; round-trip normalizes numbers.
	doc, err := normalizeArgs(args)
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func compileSchema(name string, raw any) (*jsonschema.Schema, error) {
	doc, err := normalizeArgs(raw)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalizeArgs round-trips a value through JSON so primitives take their
// canonical decoded form (numbers become float64, structs become maps).
func normalizeArgs(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("canonicalize arguments: %w", err)
	}
	return doc, nil
}

// HashArgs canonicalizes args (normalized primitives, sorted keys) and
// returns a stable hex digest. encoding/json already emits object keys in
// sorted order, so marshalling the normalized form is canonical.
func HashArgs(args map[string]any) (string, error) {
	doc, err := normalizeArgs(args)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize arguments: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
