// Package fhirpath is the narrow façade spec.md §4.4 describes: compile an
// expression once, evaluate it against a JSON document many times, and get
// back a typed Collection. It is a thin adapter over
// github.com/robertoaraneda/gofhir/pkg/fhirpath — the façade boundary exists
// so the indexing service and operation handlers never import the engine's
// own types directly, and so a different engine could be swapped in without
// touching callers.
//
// The façade is pure: Evaluate never performs I/O, matching spec.md §4.4 and
// the concurrency note in §5 that FHIRPath evaluation during indexing must
// not be able to re-enter the database.
package fhirpath

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	engine "github.com/robertoaraneda/gofhir/pkg/fhirpath"
	"github.com/robertoaraneda/gofhir/pkg/fhirpath/types"
)

// ValueKind classifies an extracted Value for the indexing service's typed
// extraction rules (spec.md §4.6.3).
type ValueKind int

const (
	KindString ValueKind = iota
	KindInteger
	KindDecimal
	KindBoolean
	KindDate
	KindDateTime
	KindTime
	KindQuantity
	KindObject
)

// Value is one element of a Collection, normalized out of the engine's
// internal type hierarchy into the shape the indexer and operations need.
type Value struct {
	Kind ValueKind

	Str     string
	Int     int64
	Dec     float64
	Bool    bool

	// Date/DateTime/Time carry both the parsed instant and the original
	// precision so the indexer can build the correct [lo, hi) range.
	Time      time.Time
	Precision string // "year" | "month" | "day" | "second"

	QuantityValue float64
	QuantityUnit  string
	QuantitySystem string

	// Object holds the raw JSON object for values the indexer extracts
	// structurally (CodeableConcept, Identifier, Coding, Reference, …).
	Object map[string]interface{}
}

// Collection is an ordered sequence of extracted values, mirroring
// spec.md §4.4's "Collection of typed values".
type Collection []Value

func (c Collection) Empty() bool { return len(c) == 0 }

// Expression is a compiled FHIRPath expression, safe for concurrent
// evaluation against different resources.
type Expression struct {
	compiled *engine.Expression
	source   string
}

func (e *Expression) String() string { return e.source }

// expressionCache memoizes compiled expressions — search-parameter
// expressions are evaluated against every resource of a type, so recompiling
// per-resource would be wasteful. It is unbounded: one entry per distinct
// expression source, never evicted.
type expressionCache struct {
	mu    sync.RWMutex
	cache map[string]*Expression
}

var cache = &expressionCache{cache: make(map[string]*Expression)}

// Compile parses expr once and returns a reusable Expression. Compiled
// expressions are cached process-wide, matching the read-mostly parameter
// cache model described in spec.md §5.
func Compile(expr string) (*Expression, error) {
	cache.mu.RLock()
	if e, ok := cache.cache[expr]; ok {
		cache.mu.RUnlock()
		return e, nil
	}
	cache.mu.RUnlock()

	compiled, err := engine.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: compile %q: %w", expr, err)
	}
	out := &Expression{compiled: compiled, source: expr}

	cache.mu.Lock()
	cache.cache[expr] = out
	cache.mu.Unlock()
	return out, nil
}

// Evaluate runs the compiled expression against root (a decoded FHIR
// resource, or any JSON-shaped subtree) and returns the resulting
// Collection. No conformance context is consulted — the engine resolves
// only what FHIRPath itself defines (navigation, filtering, functions);
// callers needing profile-aware resolution pass an already-simplified
// expression (see internal/searchparam).
func (e *Expression) Evaluate(root map[string]interface{}) (Collection, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: marshal root: %w", err)
	}
	result, err := e.compiled.Evaluate(raw)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: evaluate %q: %w", e.source, err)
	}
	return convertCollection(result), nil
}

// EvaluateBool applies FHIRPath's singleton-evaluation-to-boolean rule:
// empty collection -> false, single boolean -> that value, any other
// non-empty collection -> true.
func EvaluateBool(e *Expression, root map[string]interface{}) (bool, error) {
	col, err := e.Evaluate(root)
	if err != nil {
		return false, err
	}
	if col.Empty() {
		return false, nil
	}
	if len(col) == 1 && col[0].Kind == KindBoolean {
		return col[0].Bool, nil
	}
	return true, nil
}

func convertCollection(c types.Collection) Collection {
	out := make(Collection, 0, len(c))
	for _, v := range c {
		out = append(out, convertValue(v))
	}
	return out
}

func convertValue(v types.Value) Value {
	switch tv := v.(type) {
	case types.Boolean:
		return Value{Kind: KindBoolean, Bool: tv.Bool()}
	case types.String:
		return Value{Kind: KindString, Str: tv.Value()}
	case types.Integer:
		return Value{Kind: KindInteger, Int: tv.Value()}
	case types.Decimal:
		f, _ := tv.Value().Float64()
		return Value{Kind: KindDecimal, Dec: f}
	default:
		// Object-shaped values (CodeableConcept, Identifier, Reference, …)
		// round-trip through JSON so the indexer can navigate them
		// structurally with map[string]interface{} the same way it
		// navigates the root resource.
		raw, err := json.Marshal(v)
		if err != nil {
			return Value{Kind: KindString, Str: v.String()}
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
			return Value{Kind: KindObject, Object: obj}
		}
		return Value{Kind: KindString, Str: v.String()}
	}
}
