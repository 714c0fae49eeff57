package operations

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/ehr/fhirengine/internal/errs"
)

// valueKeys is the ordered list of FHIR Parameters value[x] keys to check,
// grounded on the teacher's custom_operation.go (same list, same order).
var valueKeys = []string{
	"valueString",
	"valueBoolean",
	"valueInteger",
	"valueDecimal",
	"valueUri",
	"valueUrl",
	"valueCode",
	"valueDate",
	"valueDateTime",
	"valueInstant",
	"valueTime",
	"valueCoding",
	"valueCodeableConcept",
	"valueQuantity",
	"valueRange",
	"valuePeriod",
	"valueReference",
	"valueIdentifier",
	"valueAttachment",
	"resource",
}

// ParseParameters parses a FHIR Parameters resource body into a
// name -> value-occurrences map. Unlike the teacher's single-value
// ParseOperationParameters, repeated parameter.name entries accumulate
// instead of overwriting, so max="*" parameters (spec.md §4.9) are
// representable.
func ParseParameters(body map[string]interface{}) (map[string][]interface{}, error) {
	if body == nil {
		return nil, errs.New(errs.Validation, "operation request body is required")
	}
	rt, _ := body["resourceType"].(string)
	if rt != "Parameters" {
		return nil, errs.New(errs.Validation, "expected a Parameters resource, got resourceType %q", rt)
	}

	result := make(map[string][]interface{})
	rawList, ok := body["parameter"]
	if !ok {
		return result, nil
	}
	list, ok := rawList.([]interface{})
	if !ok {
		return nil, errs.New(errs.Validation, "Parameters.parameter must be an array")
	}

	for _, item := range list {
		p, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := p["name"].(string)
		if name == "" {
			continue
		}
		for _, vk := range valueKeys {
			if v, exists := p[vk]; exists {
				result[name] = append(result[name], v)
				break
			}
		}
	}
	return result, nil
}

// ParseQueryParams builds the same name -> value-occurrences shape from a
// GET request's query string, per spec.md §4.9's GET dispatch form for
// operations where AffectsState is false. Every value is treated as a
// string; handlers coerce as their parameter Type requires.
func ParseQueryParams(values url.Values) map[string][]interface{} {
	result := make(map[string][]interface{}, len(values))
	for name, vs := range values {
		occurrences := make([]interface{}, len(vs))
		for i, v := range vs {
			occurrences[i] = v
		}
		result[name] = occurrences
	}
	return result
}

// BuildParameters renders a name -> value-occurrences map back into a FHIR
// Parameters resource, one parameter.name entry per occurrence, in
// deterministic (sorted-name) order, matching the teacher's
// BuildParametersResource.
func BuildParameters(params map[string][]interface{}) map[string]interface{} {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	paramList := make([]interface{}, 0, len(params))
	for _, name := range names {
		for _, value := range params[name] {
			paramList = append(paramList, map[string]interface{}{
				"name": name,
				valueKeyFor(value): value,
			})
		}
	}
	return map[string]interface{}{
		"resourceType": "Parameters",
		"parameter":    paramList,
	}
}

// valueKeyFor picks the value[x] key for v, matching the teacher's
// type-switch in BuildParametersResource.
func valueKeyFor(v interface{}) string {
	switch val := v.(type) {
	case string:
		return "valueString"
	case bool:
		return "valueBoolean"
	case int, int64:
		return "valueInteger"
	case float64:
		if val == float64(int64(val)) {
			return "valueInteger"
		}
		return "valueDecimal"
	case map[string]interface{}:
		if _, hasRT := val["resourceType"]; hasRT {
			return "resource"
		}
		return "resource"
	default:
		return "valueString"
	}
}

// singleString returns the first string-typed occurrence of name, or "" if
// absent — a convenience for built-in handlers reading simple parameters.
func singleString(params map[string][]interface{}, name string) string {
	vs, ok := params[name]
	if !ok || len(vs) == 0 {
		return ""
	}
	s, _ := vs[0].(string)
	return s
}

func stringSlice(params map[string][]interface{}, name string) []string {
	vs := params[name]
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intParam(params map[string][]interface{}, name string, def int) int {
	vs, ok := params[name]
	if !ok || len(vs) == 0 {
		return def
	}
	switch v := vs[0].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		return def
	default:
		return def
	}
}
