package operations

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
)

// RegisterBuiltins wires the operations spec.md §4.9 names as built in —
// $everything, $lookup, $expand, $validate-code — into reg, sharing the
// rest of the engine's components rather than standing up separate state.
func RegisterBuiltins(reg *Registry, st *store.Store, engine *search.Engine, pool *pgxpool.Pool, term Terminology) error {
	everything := &Everything{Store: st, Engine: engine, Pool: pool}
	if err := reg.Register(&Metadata{
		Code:          "everything",
		Title:         "Fetch a patient's compartment",
		Description:   "Returns the Patient plus every resource in its compartment, optionally filtered by _type/_since and capped by _count.",
		Scope:         ScopeInstance,
		ResourceTypes: []string{"Patient"},
		AffectsState:  false,
		Parameters: []Param{
			{Name: "_since", Use: "in", Min: 0, Max: "1", Type: "instant"},
			{Name: "_type", Use: "in", Min: 0, Max: "*", Type: "code"},
			{Name: "_count", Use: "in", Min: 0, Max: "1", Type: "integer"},
			{Name: "return", Use: "out", Min: 1, Max: "1", Type: "Bundle"},
		},
	}, func(inv *Invocation) (*Result, error) { return everything.Handle(inv) }); err != nil {
		return err
	}

	lookup := &lookupOp{term: term}
	if err := reg.Register(&Metadata{
		Code:          "lookup",
		Title:         "Look up a code's designation",
		Description:   "Given a code system and code, returns the concept's display name and metadata.",
		Scope:         ScopeType | ScopeSystem,
		ResourceTypes: []string{"CodeSystem"},
		AffectsState:  false,
		Parameters: []Param{
			{Name: "system", Use: "in", Min: 1, Max: "1", Type: "uri"},
			{Name: "code", Use: "in", Min: 1, Max: "1", Type: "code"},
			{Name: "version", Use: "in", Min: 0, Max: "1", Type: "string"},
			{Name: "return", Use: "out", Min: 1, Max: "1", Type: "Parameters"},
		},
	}, lookup.handle); err != nil {
		return err
	}

	expand := &expandOp{term: term}
	if err := reg.Register(&Metadata{
		Code:          "expand",
		Title:         "Expand a value set",
		Description:   "Returns a ValueSet with an expansion.contains list of concepts, optionally filtered and paginated.",
		Scope:         ScopeType | ScopeInstance | ScopeSystem,
		ResourceTypes: []string{"ValueSet"},
		AffectsState:  false,
		Parameters: []Param{
			{Name: "url", Use: "in", Min: 0, Max: "1", Type: "uri"},
			{Name: "filter", Use: "in", Min: 0, Max: "1", Type: "string"},
			{Name: "offset", Use: "in", Min: 0, Max: "1", Type: "integer"},
			{Name: "count", Use: "in", Min: 0, Max: "1", Type: "integer"},
			{Name: "return", Use: "out", Min: 1, Max: "1", Type: "ValueSet"},
		},
	}, expand.handle); err != nil {
		return err
	}

	validateCode := &validateCodeOp{term: term}
	if err := reg.Register(&Metadata{
		Code:          "validate-code",
		Title:         "Validate a code against a value set",
		Description:   "Checks whether a code (optionally scoped to a system) belongs to a value set.",
		Scope:         ScopeType | ScopeInstance | ScopeSystem,
		ResourceTypes: []string{"ValueSet"},
		AffectsState:  false,
		Parameters: []Param{
			{Name: "url", Use: "in", Min: 1, Max: "1", Type: "uri"},
			{Name: "code", Use: "in", Min: 1, Max: "1", Type: "code"},
			{Name: "system", Use: "in", Min: 0, Max: "1", Type: "uri"},
			{Name: "return", Use: "out", Min: 1, Max: "1", Type: "Parameters"},
		},
	}, validateCode.handle); err != nil {
		return err
	}

	return nil
}

type lookupOp struct{ term Terminology }

func (l *lookupOp) handle(inv *Invocation) (*Result, error) {
	system := singleString(inv.Params, "system")
	code := singleString(inv.Params, "code")
	version := singleString(inv.Params, "version")
	if system == "" || code == "" {
		return nil, errs.New(errs.Validation, "$lookup requires system and code")
	}
	result, err := l.term.LookupCode(system, code, version)
	if err != nil {
		return nil, err
	}
	out := map[string][]interface{}{
		"name":    {result.Name},
		"display": {result.Display},
	}
	if result.Version != "" {
		out["version"] = []interface{}{result.Version}
	}
	return &Result{Resource: BuildParameters(out)}, nil
}

type expandOp struct{ term Terminology }

func (e *expandOp) handle(inv *Invocation) (*Result, error) {
	url := singleString(inv.Params, "url")
	if url == "" {
		url = inv.ResourceID // ValueSet/id/$expand
	}
	if url == "" {
		return nil, errs.New(errs.Validation, "$expand requires a url parameter or a ValueSet instance")
	}
	filter := singleString(inv.Params, "filter")
	offset := intParam(inv.Params, "offset", 0)
	count := intParam(inv.Params, "count", 0)
	if count <= 0 {
		count = 1000
	}
	expanded, err := e.term.ExpandValueSet(url, filter, offset, count)
	if err != nil {
		return nil, err
	}
	contains := make([]interface{}, 0, len(expanded.Contains))
	for _, c := range expanded.Contains {
		contains = append(contains, map[string]interface{}{
			"system":  c.System,
			"version": c.Version,
			"code":    c.Code,
			"display": c.Display,
		})
	}
	return &Result{Resource: map[string]interface{}{
		"resourceType": "ValueSet",
		"url":          expanded.URL,
		"version":      expanded.Version,
		"name":         expanded.Name,
		"title":        expanded.Title,
		"status":       expanded.Status,
		"expansion": map[string]interface{}{
			"total":    expanded.Total,
			"offset":   expanded.Offset,
			"contains": contains,
		},
	}}, nil
}

type validateCodeOp struct{ term Terminology }

func (v *validateCodeOp) handle(inv *Invocation) (*Result, error) {
	url := singleString(inv.Params, "url")
	code := singleString(inv.Params, "code")
	system := singleString(inv.Params, "system")
	if url == "" || code == "" {
		return nil, errs.New(errs.Validation, "$validate-code requires url and code")
	}
	result, err := v.term.ValidateCode(url, code, system)
	if err != nil {
		return nil, err
	}
	out := map[string][]interface{}{
		"result":  {result.Result},
		"message": {result.Message},
	}
	if result.Display != "" {
		out["display"] = []interface{}{result.Display}
	}
	return &Result{Resource: BuildParameters(out)}, nil
}
