// Package operations implements the FHIR Operations framework (C10,
// spec.md §4.9): a registry of named $operations available at the system,
// type and/or instance level, and an executor that validates parameter
// cardinality before dispatching to the registered handler.
//
// Grounded on the teacher's internal/platform/fhir/operation_registry.go
// (the static OperationDefinitionResource catalog) and custom_operation.go
// (OperationScope, CustomOperationDef, RouteOperation, ValidateOperationDef),
// generalized from the teacher's two parallel registries (a read-only
// "default" catalog plus a separate "custom" one) into a single Registry
// any component — built-in or future user-defined — registers into.
package operations

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ehr/fhirengine/internal/errs"
)

// Scope is a bitmask of the levels at which an operation may be invoked,
// mirroring the teacher's OperationScope (1 << iota bitmask).
type Scope int

const (
	ScopeSystem Scope = 1 << iota
	ScopeType
	ScopeInstance
)

func (s Scope) has(level Scope) bool { return s&level != 0 }

func (s Scope) String() string {
	var parts []string
	if s.has(ScopeSystem) {
		parts = append(parts, "system")
	}
	if s.has(ScopeType) {
		parts = append(parts, "type")
	}
	if s.has(ScopeInstance) {
		parts = append(parts, "instance")
	}
	return strings.Join(parts, "|")
}

// Param describes one input or output parameter of an operation, per
// spec.md §4.9's "input/output parameter schemas with min/max cardinality".
type Param struct {
	Name          string
	Use           string // "in" | "out"
	Min           int
	Max           string // "1" or "*"
	Type          string
	Documentation string
}

func (p Param) repeats() bool { return p.Max == "*" }

// Metadata describes one registered operation: its code, the scopes and
// resource types it is available against, its parameter schema, and
// whether invoking it mutates state (spec.md §4.9: operations that do not
// affect state may additionally be invoked with GET).
type Metadata struct {
	Code          string
	Title         string
	Description   string
	Scope         Scope
	ResourceTypes []string // empty means "any resource type"
	Parameters    []Param
	AffectsState  bool
}

func (m *Metadata) supportsResourceType(rt string) bool {
	if len(m.ResourceTypes) == 0 {
		return true
	}
	for _, t := range m.ResourceTypes {
		if t == rt {
			return true
		}
	}
	return false
}

func (m *Metadata) inputParams() []Param {
	var in []Param
	for _, p := range m.Parameters {
		if p.Use == "in" {
			in = append(in, p)
		}
	}
	return in
}

// Handler executes one operation invocation. Handlers receive already
// cardinality-validated parameters.
type Handler func(inv *Invocation) (*Result, error)

type registration struct {
	meta    *Metadata
	handler Handler
}

// Registry holds every registered operation, keyed by $code.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]*registration)}
}

// Register adds an operation. The code must not already be registered and
// must satisfy the same shape constraints the teacher's ValidateOperationDef
// enforces (non-empty code, no leading '$', parameters have a name/use/max).
func (r *Registry) Register(meta *Metadata, handler Handler) error {
	if err := validateMetadata(meta); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[meta.Code]; exists {
		return errs.New(errs.Validation, "operation $%s is already registered", meta.Code)
	}
	r.regs[meta.Code] = &registration{meta: meta, handler: handler}
	return nil
}

func (r *Registry) Get(code string) (*Metadata, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[code]
	if !ok {
		return nil, nil, false
	}
	return reg.meta, reg.handler, true
}

// List returns every registered operation's metadata, sorted by code,
// matching the teacher's OperationRegistry.List ordering.
func (r *Registry) List() []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Metadata, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ListForResourceType returns every operation available against rt at
// ScopeType or ScopeInstance.
func (r *Registry) ListForResourceType(rt string) []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Metadata
	for _, reg := range r.regs {
		if !reg.meta.Scope.has(ScopeType) && !reg.meta.Scope.has(ScopeInstance) {
			continue
		}
		if reg.meta.supportsResourceType(rt) {
			out = append(out, reg.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

const maxOperationCodeLength = 255

// validateMetadata mirrors the teacher's ValidateOperationDef: a non-empty
// code that does not itself carry the leading '$' (the registry, not the
// caller, owns that prefix), a bounded length, and distinctly-named
// parameters.
func validateMetadata(meta *Metadata) error {
	if meta == nil {
		return errs.New(errs.Validation, "operation metadata is required")
	}
	if meta.Code == "" {
		return errs.New(errs.Validation, "operation code is required")
	}
	if strings.HasPrefix(meta.Code, "$") {
		return errs.New(errs.Validation, "operation code %q must not include the leading '$'", meta.Code)
	}
	if len(meta.Code) > maxOperationCodeLength {
		return errs.New(errs.Validation, "operation code %q exceeds %d characters", meta.Code, maxOperationCodeLength)
	}
	if meta.Scope == 0 {
		return errs.New(errs.Validation, "operation $%s must declare at least one scope", meta.Code)
	}
	seen := make(map[string]bool, len(meta.Parameters))
	for _, p := range meta.Parameters {
		if p.Name == "" {
			return errs.New(errs.Validation, "operation $%s has a parameter with no name", meta.Code)
		}
		if p.Use != "in" && p.Use != "out" {
			return errs.New(errs.Validation, "operation $%s parameter %q has invalid use %q", meta.Code, p.Name, p.Use)
		}
		if p.Max != "*" {
			if _, err := strconv.Atoi(p.Max); err != nil {
				return errs.New(errs.Validation, "operation $%s parameter %q has invalid max %q", meta.Code, p.Name, p.Max)
			}
		}
		key := p.Use + ":" + p.Name
		if seen[key] {
			return errs.New(errs.Validation, "operation $%s has a duplicate %s parameter %q", meta.Code, p.Use, p.Name)
		}
		seen[key] = true
	}
	return nil
}

// validateCardinality checks supplied input parameters against meta's
// declared min/max, per spec.md §4.9.
func validateCardinality(meta *Metadata, params map[string][]interface{}) error {
	for _, p := range meta.inputParams() {
		values := params[p.Name]
		if len(values) < p.Min {
			return errs.New(errs.Validation, "operation $%s requires parameter %q (min %d, got %d)", meta.Code, p.Name, p.Min, len(values))
		}
		if !p.repeats() {
			max, _ := strconv.Atoi(p.Max)
			if len(values) > max {
				return errs.New(errs.Validation, "operation $%s parameter %q must not repeat (max %s, got %d)", meta.Code, p.Name, p.Max, len(values))
			}
		}
	}
	for name := range params {
		if !meta.hasInputParam(name) {
			return errs.New(errs.Validation, "operation $%s does not accept parameter %q", meta.Code, name)
		}
	}
	return nil
}

func (m *Metadata) hasInputParam(name string) bool {
	for _, p := range m.inputParams() {
		if p.Name == name {
			return true
		}
	}
	return false
}

func scopeError(meta *Metadata, scope Scope) error {
	return errs.New(errs.Unsupported, "operation $%s is not available at %s scope (supports %s)", meta.Code, scope, meta.Scope)
}

func resourceTypeError(meta *Metadata, rt string) error {
	return errs.New(errs.Unsupported, fmt.Sprintf("operation $%s is not available against resource type %s", meta.Code, rt))
}
