package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/indexing"
	"github.com/ehr/fhirengine/internal/platform/ucum"
	"github.com/ehr/fhirengine/internal/refs"
	"github.com/ehr/fhirengine/internal/searchparam"
)

// argCounter accumulates positional query arguments so every clause of a
// search (base predicate, match predicates, compartment scoping, sort,
// pagination) shares one consistent $N numbering — built once per Execute
// call and threaded through every helper that contributes a SQL fragment.
type argCounter struct {
	args []interface{}
}

func (c *argCounter) add(v interface{}) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

// BuildPredicates compiles q's match parameters against reg into "AND (...)"
// fragments, appending their values onto c. Every match parameter must
// resolve against a SearchParameter active for the query's base resource
// type (or the chain/reverse-chain's target type); an unresolvable code
// fails with errs.Unsupported (spec.md §4.7 implies unknown parameters are
// rejected, not silently ignored).
func BuildPredicates(reg *searchparam.Registry, q Query, c *argCounter) ([]string, error) {
	predicates := make([]string, 0, len(q.Match))
	for _, mp := range q.Match {
		pred, err := buildPredicate(reg, "r", q.ResourceType, mp, c)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, pred)
	}
	return predicates, nil
}

// buildPredicate compiles one MatchParam into a SQL fragment that tests the
// resource row aliased as alias (r, r2, r3, ... at each chain nesting
// level).
func buildPredicate(reg *searchparam.Registry, alias, resourceType string, mp MatchParam, c *argCounter) (string, error) {
	if mp.ReverseChain != nil {
		return buildReverseChainPredicate(reg, alias, mp.ReverseChain, c)
	}
	if mp.Chain != nil {
		return buildChainPredicate(reg, alias, resourceType, mp.Chain, c)
	}

	param := reg.Lookup(resourceType, mp.Code)
	if param == nil {
		return "", errs.New(errs.Unsupported, "unknown search parameter %q for %s", mp.Code, resourceType)
	}

	paramNameFilter := fmt.Sprintf(" AND t.param_name=%s", c.add(mp.Code))
	if param.Type == searchparam.TypeSpecial {
		// search_text carries no param_name column: one row per resource
		// version, not per parameter (spec.md §3.2).
		paramNameFilter = ""
	}

	if mp.Modifier == ModMissing {
		exists := fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s t WHERE t.tenant_id=%s.tenant_id AND t.resource_type=%s.resource_type AND t.id=%s.id AND t.version_id=%s.version_id%s)`,
			indexTableFor(param.Type), alias, alias, alias, alias, paramNameFilter)
		if len(mp.Values) > 0 && mp.Values[0].Raw == "true" {
			return "NOT " + exists, nil
		}
		return exists, nil
	}

	valueCond, err := buildValueCondition(param, mp, c)
	if err != nil {
		return "", err
	}

	exists := fmt.Sprintf(
		`EXISTS (SELECT 1 FROM %s t WHERE t.tenant_id=%s.tenant_id AND t.resource_type=%s.resource_type AND t.id=%s.id AND t.version_id=%s.version_id%s AND (%s))`,
		indexTableFor(param.Type), alias, alias, alias, alias, paramNameFilter, valueCond)
	if mp.Modifier == ModNot {
		return "NOT " + exists, nil
	}
	return exists, nil
}

func indexTableFor(t searchparam.Type) string {
	switch t {
	case searchparam.TypeString:
		return "search_string"
	case searchparam.TypeToken:
		return "search_token"
	case searchparam.TypeReference:
		return "search_reference"
	case searchparam.TypeDate:
		return "search_date"
	case searchparam.TypeNumber:
		return "search_number"
	case searchparam.TypeQuantity:
		return "search_quantity"
	case searchparam.TypeURI:
		return "search_uri"
	case searchparam.TypeComposite:
		return "search_composite"
	default:
		return "search_text"
	}
}

// buildValueCondition ORs together every comma-separated value of mp into a
// single boolean expression over the index table aliased "t".
func buildValueCondition(param *searchparam.Parameter, mp MatchParam, c *argCounter) (string, error) {
	var ors []string
	for _, v := range mp.Values {
		cond, err := buildSingleValueCondition(param, mp.Modifier, v.Raw, c)
		if err != nil {
			return "", err
		}
		ors = append(ors, cond)
	}
	if len(ors) == 0 {
		return "true", nil
	}
	return strings.Join(ors, " OR "), nil
}

func buildSingleValueCondition(param *searchparam.Parameter, mod Modifier, raw string, c *argCounter) (string, error) {
	switch param.Type {
	case searchparam.TypeString:
		return stringCondition(mod, raw, c), nil
	case searchparam.TypeToken:
		return tokenCondition(mod, raw, c)
	case searchparam.TypeURI:
		return uriCondition(mod, raw, c)
	case searchparam.TypeReference:
		return referenceCondition(mod, raw, c)
	case searchparam.TypeDate:
		return dateCondition(raw, c)
	case searchparam.TypeNumber:
		return numberCondition(raw, c)
	case searchparam.TypeQuantity:
		return quantityCondition(raw, c)
	case searchparam.TypeComposite:
		return compositeCondition(param, raw, c)
	case searchparam.TypeSpecial:
		return fmt.Sprintf("t.content_tsv @@ plainto_tsquery('english', %s)", c.add(raw)), nil
	default:
		return "", errs.New(errs.Unsupported, "unsupported parameter type %q", param.Type)
	}
}

func stringCondition(mod Modifier, raw string, c *argCounter) string {
	switch mod {
	case ModExact:
		return fmt.Sprintf("t.value = %s", c.add(raw))
	case ModContains:
		return fmt.Sprintf("t.value_collated LIKE '%%' || %s || '%%'", c.add(indexing.Collate(raw)))
	default:
		return fmt.Sprintf("t.value_collated LIKE %s || '%%'", c.add(indexing.Collate(raw)))
	}
}

// tokenCondition implements spec.md §4.7's token system|code semantics.
func tokenCondition(mod Modifier, raw string, c *argCounter) (string, error) {
	if mod == ModAbove || mod == ModBelow {
		return "", errs.New(errs.Unsupported, "token :above/:below requires a terminology closure table")
	}
	system, code, hasPipe := strings.Cut(raw, "|")
	switch {
	case !hasPipe:
		return fmt.Sprintf("t.code = %s", c.add(raw)), nil
	case system != "" && code != "":
		return fmt.Sprintf("t.system = %s AND t.code = %s", c.add(system), c.add(code)), nil
	case system == "":
		return fmt.Sprintf("t.code = %s", c.add(code)), nil
	default: // code == ""
		return fmt.Sprintf("t.system = %s", c.add(system)), nil
	}
}

func uriCondition(mod Modifier, raw string, c *argCounter) (string, error) {
	switch mod {
	case ModAbove:
		return fmt.Sprintf("%s LIKE t.value || '%%'", c.add(raw)), nil
	case ModBelow:
		return fmt.Sprintf("t.value LIKE %s || '%%'", c.add(raw)), nil
	default:
		return fmt.Sprintf("t.value = %s", c.add(raw)), nil
	}
}

// referenceCondition parses "Type/id" (or a bare id, matching any target
// type) using the same extraction rule internal/refs applies on write, so
// query values and stored rows agree on shape.
func referenceCondition(mod Modifier, raw string, c *argCounter) (string, error) {
	if mod == ModIdentifier {
		return "", errs.New(errs.Unsupported, "reference :identifier requires embedded-identifier indexing")
	}
	if ref, ok := refs.ParseReference(raw); ok {
		return fmt.Sprintf("t.target_type = %s AND t.target_id = %s", c.add(ref.TargetType), c.add(ref.TargetID)), nil
	}
	return fmt.Sprintf("t.target_id = %s", c.add(raw)), nil
}

// dateCondition applies a prefix (default eq) against the stored [start,
// end) range, per spec.md §4.7's date prefix semantics.
func dateCondition(raw string, c *argCounter) (string, error) {
	prefix, value := splitPrefix(raw)
	start, end, err := parsePartialDate(value)
	if err != nil {
		return "", errs.Wrap(errs.Validation, err, "invalid date value %q", raw)
	}
	vs, ve := c.add(start), c.add(end)
	switch prefix {
	case PrefixLt:
		return fmt.Sprintf("t.range_start < %s", vs), nil
	case PrefixLe:
		return fmt.Sprintf("t.range_start < %s", ve), nil
	case PrefixGt:
		return fmt.Sprintf("t.range_end > %s", ve), nil
	case PrefixGe:
		return fmt.Sprintf("t.range_end > %s", vs), nil
	case PrefixSa:
		return fmt.Sprintf("t.range_start >= %s", ve), nil
	case PrefixEb:
		return fmt.Sprintf("t.range_end <= %s", vs), nil
	case PrefixNe:
		return fmt.Sprintf("NOT (t.range_start < %s AND t.range_end > %s)", ve, vs), nil
	default: // eq, ap (approximate matching collapses to eq; no tolerance table)
		return fmt.Sprintf("t.range_start < %s AND t.range_end > %s", ve, vs), nil
	}
}

func numberCondition(raw string, c *argCounter) (string, error) {
	prefix, value := splitPrefix(raw)
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", errs.Wrap(errs.Validation, err, "invalid number value %q", raw)
	}
	return orderedCondition("t.value", prefix, f, value, c), nil
}

func quantityCondition(raw string, c *argCounter) (string, error) {
	prefix, rest := splitPrefix(raw)
	valuePart, unitPart, _ := strings.Cut(rest, "|")
	_, code, _ := strings.Cut(unitPart, "|")
	f, err := strconv.ParseFloat(valuePart, 64)
	if err != nil {
		return "", errs.Wrap(errs.Validation, err, "invalid quantity value %q", raw)
	}
	if code == "" && unitPart != "" {
		code = unitPart
	}
	if code != "" && ucum.Known(code) {
		canon := ucum.Normalize(f, "http://unitsofmeasure.org", code)
		return orderedCondition("t.canonical_value", prefix, canon.Value, strconv.FormatFloat(canon.Value, 'f', -1, 64), c) +
			fmt.Sprintf(" AND t.canonical_code = %s", c.add(canon.Code)), nil
	}
	return orderedCondition("t.value", prefix, f, valuePart, c), nil
}

// orderedCondition applies a prefix to a single numeric column, with the
// implicit-precision tolerance FHIR defines for eq/ne/ap: a value written
// with N decimal digits matches anything rounding to it at that precision.
func orderedCondition(column string, prefix Prefix, f float64, literal string, c *argCounter) string {
	digits := strings.IndexByte(literal, '.')
	tolerance := 0.5
	if digits >= 0 {
		places := len(literal) - digits - 1
		for i := 0; i < places; i++ {
			tolerance /= 10
		}
	}
	switch prefix {
	case PrefixLt:
		return fmt.Sprintf("%s < %s", column, c.add(f))
	case PrefixLe:
		return fmt.Sprintf("%s <= %s", column, c.add(f))
	case PrefixGt:
		return fmt.Sprintf("%s > %s", column, c.add(f))
	case PrefixGe:
		return fmt.Sprintf("%s >= %s", column, c.add(f))
	case PrefixNe:
		return fmt.Sprintf("%s NOT BETWEEN %s AND %s", column, c.add(f-tolerance), c.add(f+tolerance))
	default: // eq, ap, sa/eb have no defined numeric meaning -> treat as eq
		return fmt.Sprintf("%s BETWEEN %s AND %s", column, c.add(f-tolerance), c.add(f+tolerance))
	}
}

// compositeCondition matches a "$"-joined composite query value against the
// packed_key column, rendering each component the same way the indexer's
// extractComposite does so the two sides compare literally.
func compositeCondition(param *searchparam.Parameter, raw string, c *argCounter) (string, error) {
	parts := strings.Split(raw, "$")
	if len(parts) != len(param.Components) {
		return "", errs.New(errs.Validation, "composite value %q has %d components, parameter %q expects %d", raw, len(parts), param.Code, len(param.Components))
	}
	rendered := make([]string, len(parts))
	for i, comp := range param.Components {
		rendered[i] = renderCompositeQueryPart(comp.Type, parts[i])
	}
	return fmt.Sprintf("t.packed_key = %s", c.add(strings.Join(rendered, "$"))), nil
}

func renderCompositeQueryPart(typ searchparam.Type, raw string) string {
	switch typ {
	case searchparam.TypeToken:
		system, code, hasPipe := strings.Cut(raw, "|")
		if !hasPipe {
			return "|" + raw
		}
		return system + "|" + code
	case searchparam.TypeQuantity:
		valuePart, unitPart, _ := strings.Cut(raw, "|")
		_, code, _ := strings.Cut(unitPart, "|")
		if code == "" {
			code = unitPart
		}
		if f, err := strconv.ParseFloat(valuePart, 64); err == nil && code != "" && ucum.Known(code) {
			canon := ucum.Normalize(f, "http://unitsofmeasure.org", code)
			return strconv.FormatFloat(canon.Value, 'f', -1, 64) + "|" + canon.Code
		}
		return raw
	default:
		return indexing.Collate(raw)
	}
}

// splitPrefix extracts a leading two-letter comparison prefix (spec.md
// §4.7), defaulting to eq.
func splitPrefix(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		switch Prefix(raw[:2]) {
		case PrefixEq, PrefixNe, PrefixLt, PrefixLe, PrefixGt, PrefixGe, PrefixSa, PrefixEb, PrefixAp:
			return Prefix(raw[:2]), raw[2:]
		}
	}
	return PrefixEq, raw
}

// parsePartialDate parses a FHIR partial-precision date/dateTime/time
// literal into its covering [start, end) range, mirroring
// internal/indexing's extraction-time dateRange so query values and
// indexed ranges agree.
func parsePartialDate(raw string) (time.Time, time.Time, error) {
	layouts := []struct {
		layout    string
		precision string
	}{
		{"2006", "year"},
		{"2006-01", "month"},
		{"2006-01-02", "day"},
		{"2006-01-02T15:04:05Z07:00", "second"},
		{"2006-01-02T15:04:05", "second"},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, raw); err == nil {
			return dateRange(t, l.precision)
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unrecognized date literal %q", raw)
}

// dateRange mirrors internal/indexing.dateRange (kept independent: the
// query parser has no dependency on an already-evaluated FHIRPath value).
func dateRange(t time.Time, precision string) (time.Time, time.Time) {
	switch precision {
	case "year":
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
		return start, start.AddDate(1, 0, 0)
	case "month":
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		return start, start.AddDate(0, 1, 0)
	case "day":
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return start, start.AddDate(0, 0, 1)
	default:
		return t, t
	}
}

// buildChainPredicate compiles "refParam:TargetType.inner" into a semi-join
// through search_reference to the target resource, recursing into Next for
// multi-hop chains.
func buildChainPredicate(reg *searchparam.Registry, alias, resourceType string, chain *Chain, c *argCounter) (string, error) {
	refParamDef := reg.Lookup(resourceType, chain.RefParam)
	if refParamDef == nil || refParamDef.Type != searchparam.TypeReference {
		return "", errs.New(errs.Unsupported, "unknown or non-reference chain parameter %q for %s", chain.RefParam, resourceType)
	}
	nextAlias := alias + "x"
	innerPred, err := buildPredicate(reg, nextAlias, chain.TargetType, *chain.Next, c)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`EXISTS (
		SELECT 1 FROM search_reference sr
		JOIN resources %s ON %s.tenant_id = sr.tenant_id AND %s.resource_type = sr.target_type
			AND %s.id = sr.target_id AND %s.is_current AND NOT %s.deleted
		WHERE sr.tenant_id = %s.tenant_id AND sr.resource_type = %s.resource_type
			AND sr.id = %s.id AND sr.version_id = %s.version_id
			AND sr.param_name = %s AND sr.target_type = %s
			AND (%s)
	)`, nextAlias, nextAlias, nextAlias, nextAlias, nextAlias, nextAlias,
		alias, alias, alias, alias, c.add(chain.RefParam), c.add(chain.TargetType), innerPred), nil
}

// buildReverseChainPredicate compiles a "_has:RefType:refParam:code" into a
// semi-join through search_reference from resources of RefType that
// reference the outer resource, recursing into Inner for nested _has.
func buildReverseChainPredicate(reg *searchparam.Registry, alias string, rc *ReverseChain, c *argCounter) (string, error) {
	nextAlias := alias + "h"
	innerPred, err := buildPredicate(reg, nextAlias, rc.RefResourceType, *rc.Inner, c)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`EXISTS (
		SELECT 1 FROM search_reference sr
		JOIN resources %s ON %s.tenant_id = sr.tenant_id AND %s.resource_type = sr.resource_type
			AND %s.id = sr.id AND %s.version_id = sr.version_id AND %s.is_current AND NOT %s.deleted
		WHERE sr.tenant_id = %s.tenant_id AND sr.target_type = %s.resource_type AND sr.target_id = %s.id
			AND sr.param_name = %s AND %s.resource_type = %s
			AND (%s)
	)`, nextAlias, nextAlias, nextAlias, nextAlias, nextAlias, nextAlias, nextAlias,
		alias, alias, alias, c.add(rc.RefParam), nextAlias, c.add(rc.RefResourceType), innerPred), nil
}
