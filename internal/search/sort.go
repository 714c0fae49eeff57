package search

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/searchparam"
)

// buildOrderBy compiles Query.Sort into an ORDER BY clause. "_lastUpdated"
// and "_id" sort directly on the resources row; any other code sorts by a
// correlated-subquery projection of that parameter's first indexed value,
// since a resource may carry several values for one parameter (spec.md
// §4.7 "_sort (comma list, - prefix = descending; special sort keys
// _lastUpdated, _id)").
func buildOrderBy(reg *searchparam.Registry, resourceType string, sorts []SortSpec, c *argCounter) (string, error) {
	if len(sorts) == 0 {
		return "r.last_updated DESC, r.id ASC", nil
	}
	var parts []string
	for _, s := range sorts {
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		switch s.Code {
		case "_lastUpdated":
			parts = append(parts, "r.last_updated "+dir)
			continue
		case "_id":
			parts = append(parts, "r.id "+dir)
			continue
		}
		param := reg.Lookup(resourceType, s.Code)
		if param == nil {
			return "", errs.New(errs.Unsupported, "unknown sort parameter %q for %s", s.Code, resourceType)
		}
		col, table, err := sortColumnFor(param.Type)
		if err != nil {
			return "", err
		}
		sub := fmt.Sprintf(
			`(SELECT MIN(t.%s) FROM %s t WHERE t.tenant_id=r.tenant_id AND t.resource_type=r.resource_type AND t.id=r.id AND t.version_id=r.version_id AND t.param_name=%s)`,
			col, table, c.add(s.Code))
		parts = append(parts, fmt.Sprintf("%s %s NULLS LAST", sub, dir))
	}
	parts = append(parts, "r.id ASC")
	return strings.Join(parts, ", "), nil
}

func sortColumnFor(t searchparam.Type) (column, table string, err error) {
	switch t {
	case searchparam.TypeString:
		return "value_collated", "search_string", nil
	case searchparam.TypeToken:
		return "code", "search_token", nil
	case searchparam.TypeDate:
		return "range_start", "search_date", nil
	case searchparam.TypeNumber:
		return "value", "search_number", nil
	case searchparam.TypeQuantity:
		return "canonical_value", "search_quantity", nil
	case searchparam.TypeURI:
		return "value", "search_uri", nil
	default:
		return "", "", errs.New(errs.Unsupported, "sort not supported for parameter type %q", t)
	}
}
