package operations

import (
	"context"

	"github.com/ehr/fhirengine/internal/errs"
)

// Invocation is one $operation call, already routed to a scope and
// (optionally) a resource type/id by the HTTP layer, per spec.md §4.9's
// POST [base]/$op, POST [base]/Type/$op and POST [base]/Type/id/$op forms
// (and the GET form for operations where AffectsState is false).
type Invocation struct {
	Context      context.Context
	TenantID     string
	Code         string
	Scope        Scope
	ResourceType string // "" at ScopeSystem
	ResourceID   string // "" unless ScopeInstance
	HTTPMethod   string // "GET" or "POST"

	// Params holds every input parameter's value occurrences, in the shape
	// ParseParameters produces: a Parameters resource's repeated
	// parameter.name entries collapse into one slice each (ANDed by
	// position, matching how a repeated query-string key behaves).
	Params map[string][]interface{}
}

// Result is an operation's output, already shaped as a Parameters resource
// (or, for operations that return a single resource/Bundle directly, that
// resource's own JSON map).
type Result struct {
	Resource map[string]interface{}
}

// Executor validates an Invocation against the Registry and dispatches to
// the matching Handler.
type Executor struct {
	registry *Registry
}

func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs inv, per spec.md §4.9: unknown operation codes are
// ResourceNotFound, scope/resource-type mismatches and a state-affecting
// operation invoked via GET are Unsupported, and cardinality violations
// are Validation.
func (x *Executor) Execute(inv *Invocation) (*Result, error) {
	meta, handler, ok := x.registry.Get(inv.Code)
	if !ok {
		return nil, errs.New(errs.ResourceNotFound, "unknown operation $%s", inv.Code)
	}
	if !meta.Scope.has(inv.Scope) {
		return nil, scopeError(meta, inv.Scope)
	}
	if inv.Scope != ScopeSystem && !meta.supportsResourceType(inv.ResourceType) {
		return nil, resourceTypeError(meta, inv.ResourceType)
	}
	if inv.HTTPMethod == "GET" && meta.AffectsState {
		return nil, errs.New(errs.Unsupported, "operation $%s affects state and must be invoked with POST", inv.Code)
	}
	if err := validateCardinality(meta, inv.Params); err != nil {
		return nil, err
	}
	return handler(inv)
}
