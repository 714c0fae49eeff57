package search

import (
	"context"
	"fmt"

	"github.com/ehr/fhirengine/internal/platform/db"
)

// compartmentPredicate builds the extra predicate spec.md §4.7 describes
// for a compartment-scoped search: "the target must match at least one
// parameter_name listed in compartment_memberships for compartment_type
// with value compartment_type/id". If no membership rows exist for the
// target resource type, the query must return empty rather than unscoped
// (spec.md §4.7), signaled by a false return.
func compartmentPredicate(ctx context.Context, conn db.Queryable, tenantID, compartmentType, resourceType, compartmentID string, c *argCounter) (predicate string, ok bool, err error) {
	var parameterNames []string
	row := conn.QueryRow(ctx, `
		SELECT parameter_names FROM compartment_memberships
		WHERE tenant_id=$1 AND compartment_type=$2 AND resource_type=$3`,
		tenantID, compartmentType, resourceType)
	if err := row.Scan(&parameterNames); err != nil {
		return "", false, nil // no rows (or no driver match) -> empty result, not an error
	}
	if len(parameterNames) == 0 {
		return "", false, nil
	}

	ors := make([]string, 0, len(parameterNames))
	for _, pname := range parameterNames {
		ors = append(ors, fmt.Sprintf(
			"(sr.param_name=%s AND sr.target_type=%s AND sr.target_id=%s)",
			c.add(pname), c.add(compartmentType), c.add(compartmentID)))
	}
	pred := fmt.Sprintf(`EXISTS (
		SELECT 1 FROM search_reference sr
		WHERE sr.tenant_id=r.tenant_id AND sr.resource_type=r.resource_type
			AND sr.id=r.id AND sr.version_id=r.version_id AND (%s)
	)`, joinOR(ors))
	return pred, true, nil
}

func joinOR(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " OR "
		}
		out += p
	}
	return out
}
