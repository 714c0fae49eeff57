// Package searchparam implements the search parameter registry (C7,
// spec.md §4.5): loading, simplifying, activating, hashing and caching
// SearchParameter definitions per resource type.
package searchparam

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/fhirengine/internal/platform/fhirpath"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// Type is the FHIR SearchParameter.type value, which selects the index
// table a parameter's extracted values land in (spec.md §3.2).
type Type string

const (
	TypeString    Type = "string"
	TypeToken     Type = "token"
	TypeReference Type = "reference"
	TypeDate      Type = "date"
	TypeNumber    Type = "number"
	TypeQuantity  Type = "quantity"
	TypeURI       Type = "uri"
	TypeComposite Type = "composite"
	TypeSpecial   Type = "special"
)

// Parameter is a simplified, compiled SearchParameter, scoped to one
// concrete resource type (a SearchParameter whose base lists several types
// produces one Parameter per base).
type Parameter struct {
	Code       string
	Type       Type
	Base       string // concrete resource type this Parameter applies to
	Expression string // simplified, concrete-base expression
	Target     []string
	Components []CompositeComponent // non-empty only for TypeComposite
	Compiled   *fhirpath.Expression
}

// CompositeComponent is one leg of a composite SearchParameter. Type is
// resolved from the component's definition canonical against the other
// SearchParameter resources loaded in the same Load call, since a
// component's matching semantics (token vs. quantity vs. string, ...)
// depend on the type of the parameter it points at, not on the composite
// parameter's own type.
type CompositeComponent struct {
	DefinitionCanonical string
	Expression          string
	Type                Type
}

// Registry holds the server-active parameter set and schema hash per
// resource type. Safe for concurrent use: Load rebuilds a snapshot and
// swaps it in under a single lock; reads never block on a rebuild in
// progress... reads do briefly take the read lock but never block on I/O.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]map[string]*Parameter // resourceType -> code -> Parameter
	hash     map[string]string                // resourceType -> current_hash
	versions map[string]int64                 // resourceType -> version_number, bumped on every Load
}

func NewRegistry() *Registry {
	return &Registry{
		byType:   map[string]map[string]*Parameter{},
		hash:     map[string]string{},
		versions: map[string]int64{},
	}
}

// DisabledBases administratively disables every parameter with the given
// base, regardless of its status field (spec.md §4.5 "Activation").
type DisabledBases map[string]bool

// Load rebuilds the registry from raw SearchParameter resources plus the
// built-in common meta parameters, and recomputes each affected resource
// type's hash. Only resources with status=="active" and a base not in
// disabled are activated.
func (r *Registry) Load(searchParams []fhirmodel.Resource, disabled DisabledBases) error {
	byType := map[string]map[string]*Parameter{}

	addParam := func(p *Parameter) error {
		compiled, err := fhirpath.Compile(p.Expression)
		if err != nil {
			return fmt.Errorf("compile search parameter %s.%s: %w", p.Base, p.Code, err)
		}
		p.Compiled = compiled
		if byType[p.Base] == nil {
			byType[p.Base] = map[string]*Parameter{}
		}
		byType[p.Base][p.Code] = p
		return nil
	}

	resourceTypes := map[string]bool{}
	typeByURL := map[string]Type{}
	for _, sp := range searchParams {
		if rawBases, ok := sp["base"].([]interface{}); ok {
			for _, b := range rawBases {
				if s, ok := b.(string); ok {
					resourceTypes[s] = true
				}
			}
		}
		if url, _ := sp["url"].(string); url != "" {
			if typ, _ := sp["type"].(string); typ != "" {
				typeByURL[url] = Type(typ)
			}
		}
	}
	for base := range resourceTypes {
		if disabled[base] {
			continue
		}
		for _, common := range commonParameters() {
			p := &Parameter{
				Code:       common.Code,
				Type:       common.Type,
				Base:       base,
				Expression: Simplify(common.Expression, base),
			}
			if err := addParam(p); err != nil {
				return err
			}
		}
	}

	for _, sp := range searchParams {
		if status, _ := sp["status"].(string); status != "active" {
			continue
		}
		code, _ := sp["code"].(string)
		typ, _ := sp["type"].(string)
		expr, _ := sp["expression"].(string)
		if code == "" || typ == "" || expr == "" {
			continue
		}

		var bases []string
		if rawBases, ok := sp["base"].([]interface{}); ok {
			for _, b := range rawBases {
				if s, ok := b.(string); ok {
					bases = append(bases, s)
				}
			}
		}

		var targets []string
		if rawTargets, ok := sp["target"].([]interface{}); ok {
			for _, t := range rawTargets {
				if s, ok := t.(string); ok {
					targets = append(targets, s)
				}
			}
		}

		var components []CompositeComponent
		if Type(typ) == TypeComposite {
			if rawComponents, ok := sp["component"].([]interface{}); ok {
				for _, rc := range rawComponents {
					cm, ok := rc.(map[string]interface{})
					if !ok {
						continue
					}
					canonical, _ := cm["definition"].(string)
					compExpr, _ := cm["expression"].(string)
					if compExpr == "" {
						continue
					}
					compType := typeByURL[canonical]
					if compType == "" {
						compType = TypeString
					}
					components = append(components, CompositeComponent{
						DefinitionCanonical: canonical,
						Expression:          compExpr,
						Type:                compType,
					})
				}
			}
		}

		for _, base := range bases {
			if disabled[base] {
				continue
			}
			p := &Parameter{
				Code:       code,
				Type:       Type(typ),
				Base:       base,
				Expression: Simplify(expr, base),
				Target:     targets,
				Components: components,
			}
			if err := addParam(p); err != nil {
				return err
			}
		}
	}

	hashes := map[string]string{}
	for resourceType, params := range byType {
		hashes[resourceType] = computeHash(params)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for resourceType, h := range hashes {
		if r.hash[resourceType] != h {
			r.versions[resourceType]++
		}
	}
	r.byType = byType
	r.hash = hashes
	return nil
}

// ActiveParameters returns the server-active parameter set for resourceType,
// including the common meta parameters defined on Resource/DomainResource
// — even for a resource type that has never had a custom SearchParameter
// loaded for it, since every FHIR resource carries _id/_lastUpdated/etc.
func (r *Registry) ActiveParameters(resourceType string) []*Parameter {
	r.mu.RLock()
	byCode := r.byType[resourceType]
	out := make([]*Parameter, 0, len(byCode)+len(commonParameters()))
	for _, p := range byCode {
		out = append(out, p)
	}
	r.mu.RUnlock()

	if byCode == nil {
		out = append(out, commonParametersFor(resourceType)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Lookup returns the single active parameter (resourceType, code), or nil.
func (r *Registry) Lookup(resourceType, code string) *Parameter {
	r.mu.RLock()
	byCode := r.byType[resourceType]
	r.mu.RUnlock()
	if byCode != nil {
		if p, ok := byCode[code]; ok {
			return p
		}
		return nil
	}
	for _, p := range commonParametersFor(resourceType) {
		if p.Code == code {
			return p
		}
	}
	return nil
}

// commonParametersFor simplifies and compiles the built-in meta parameters
// against a concrete resourceType on demand. fhirpath.Compile caches by
// source string, so repeated calls for the same type are cheap map lookups.
func commonParametersFor(resourceType string) []*Parameter {
	commons := commonParameters()
	out := make([]*Parameter, 0, len(commons))
	for _, c := range commons {
		expr := Simplify(c.Expression, resourceType)
		compiled, err := fhirpath.Compile(expr)
		if err != nil {
			continue
		}
		out = append(out, &Parameter{Code: c.Code, Type: c.Type, Base: resourceType, Expression: expr, Compiled: compiled})
	}
	return out
}

// Hash returns the current deterministic digest for resourceType, and the
// version number it was last bumped to.
func (r *Registry) Hash(resourceType string) (hash string, version int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hash[resourceType], r.versions[resourceType]
}

// Simplify rewrites a FHIRPath expression written against the generic
// Resource/DomainResource base so it can be evaluated directly against a
// concrete-type document (spec.md §4.5: "rewrites these to each concrete
// base ... preserves full semantics including where() filters and typed
// navigation").
func Simplify(expression, concreteBase string) string {
	for _, generic := range []string{"Resource.", "DomainResource."} {
		if strings.HasPrefix(expression, generic) {
			return concreteBase + "." + strings.TrimPrefix(expression, generic)
		}
	}
	return expression
}

func computeHash(params map[string]*Parameter) string {
	keys := make([]string, 0, len(params))
	for code := range params {
		keys = append(keys, code)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, code := range keys {
		p := params[code]
		fmt.Fprintf(h, "%s|%s|%s|%s\n", p.Code, p.Type, p.Expression, p.Base)
	}
	return hex.EncodeToString(h.Sum(nil))
}
