package compartment

import (
	"context"
	"net/url"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/search"
)

// Resolver runs the conditional-reference resolution spec.md §4.12
// describes: "given a Type?params, runs the same search machinery (scoped
// to _count=2, no includes, no sort) to determine match count; returns
// match, or distinguishes none/multiple." It is a thin wrapper over
// search.Engine shared by internal/txn (conditional create/update/delete,
// urn:uuid reference rewriting) and anywhere else a conditional reference
// needs resolving.
type Resolver struct {
	engine *search.Engine
}

func NewResolver(engine *search.Engine) *Resolver {
	return &Resolver{engine: engine}
}

// Resolve returns "Type/id" for the single resource matching query, or a
// PreconditionFailed error if zero or more than one resource matches
// (spec.md §4.12).
func (r *Resolver) Resolve(ctx context.Context, tenantID, resourceType string, query url.Values) (string, error) {
	q, err := search.ParseQuery(resourceType, query)
	if err != nil {
		return "", err
	}
	q.Count = 2
	q.Include = nil
	q.Sort = nil
	q.Total = search.TotalNone

	result, err := r.engine.Execute(ctx, tenantID, q)
	if err != nil {
		return "", err
	}
	switch len(result.Entries) {
	case 0:
		return "", errs.WithSubject(errs.PreconditionFailed, resourceType+"?"+query.Encode(), "conditional reference matched no resources")
	case 1:
		e := result.Entries[0]
		return e.ResourceType + "/" + e.ID, nil
	default:
		return "", errs.WithSubject(errs.PreconditionFailed, resourceType+"?"+query.Encode(), "conditional reference matched more than one resource")
	}
}
