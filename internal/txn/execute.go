package txn

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/google/uuid"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// runEntry executes one planned entry's CRUD/search operation and builds
// its response BundleEntry. The original error (with its real errs.Kind)
// is returned alongside a zero BundleEntry on failure, so callers can
// choose how to surface it: executeBatch turns it into that entry's own
// error response and keeps going, while executeTransaction propagates it
// as-is to abort the whole transaction with the failing entry's actual
// status rather than a flattened one.
func (x *Executor) runEntry(ctx context.Context, tenantID string, p *plannedEntry) (fhirmodel.BundleEntry, error) {
	switch p.request.Method {
	case "POST":
		return x.runCreate(ctx, tenantID, p)
	case "PUT":
		return x.runUpdate(ctx, tenantID, p)
	case "DELETE":
		return x.runDelete(ctx, tenantID, p)
	case "GET", "HEAD":
		return x.runRead(ctx, tenantID, p)
	default:
		return fhirmodel.BundleEntry{}, errs.New(errs.MethodNotAllowed, "unsupported Bundle.entry.request.method %q", p.request.Method)
	}
}

func (x *Executor) runCreate(ctx context.Context, tenantID string, p *plannedEntry) (fhirmodel.BundleEntry, error) {
	if p.request.IfNoneExist != "" {
		values, err := queryValues(p.request.IfNoneExist)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		q, err := search.ParseQuery(p.resourceType, values)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		q.Count = 2
		result, err := x.engine.Execute(ctx, tenantID, q)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		switch len(result.Entries) {
		case 0:
			// fall through to create below
		case 1:
			existing := result.Entries[0]
			raw, _ := json.Marshal(map[string]interface{}(existing.Resource))
			return fhirmodel.BundleEntry{
				FullURL:  existing.ResourceType + "/" + existing.ID,
				Resource: raw,
				Response: &fhirmodel.BundleResponse{Status: "200 OK", Location: existing.ResourceType + "/" + existing.ID},
			}, nil
		default:
			return fhirmodel.BundleEntry{}, errs.New(errs.PreconditionFailed, "If-None-Exist matched more than one %s", p.resourceType)
		}
	}

	created, err := x.store.CreateWithID(ctx, tenantID, p.resourceType, p.id, p.resource)
	if err != nil {
		return fhirmodel.BundleEntry{}, err
	}
	return resourceResponse("201 Created", created), nil
}

func (x *Executor) runUpdate(ctx context.Context, tenantID string, p *plannedEntry) (fhirmodel.BundleEntry, error) {
	if p.isSearch && p.id == "" {
		q, err := search.ParseQuery(p.resourceType, p.query)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		q.Count = 2
		result, err := x.engine.Execute(ctx, tenantID, q)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		switch len(result.Entries) {
		case 0:
			p.id = uuid.New().String()
			created, err := x.store.CreateWithID(ctx, tenantID, p.resourceType, p.id, p.resource)
			if err != nil {
				return fhirmodel.BundleEntry{}, err
			}
			return resourceResponse("201 Created", created), nil
		case 1:
			p.id = result.Entries[0].ID
		default:
			return fhirmodel.BundleEntry{}, errs.New(errs.PreconditionFailed, "conditional update matched more than one %s", p.resourceType)
		}
	}

	updated, err := x.store.Update(ctx, tenantID, p.resourceType, p.id, p.resource, p.request.IfMatch)
	if err != nil {
		return fhirmodel.BundleEntry{}, err
	}
	return resourceResponse("200 OK", updated), nil
}

func (x *Executor) runDelete(ctx context.Context, tenantID string, p *plannedEntry) (fhirmodel.BundleEntry, error) {
	if p.isSearch && p.id == "" {
		q, err := search.ParseQuery(p.resourceType, p.query)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		q.Count = 2
		result, err := x.engine.Execute(ctx, tenantID, q)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		switch len(result.Entries) {
		case 0:
			return fhirmodel.BundleEntry{Response: &fhirmodel.BundleResponse{Status: "204 No Content"}}, nil
		case 1:
			p.id = result.Entries[0].ID
		default:
			return fhirmodel.BundleEntry{}, errs.New(errs.PreconditionFailed, "conditional delete matched more than one %s", p.resourceType)
		}
	}

	if err := x.store.Delete(ctx, tenantID, p.resourceType, p.id); err != nil {
		return fhirmodel.BundleEntry{}, err
	}
	return fhirmodel.BundleEntry{Response: &fhirmodel.BundleResponse{Status: "204 No Content"}}, nil
}

func (x *Executor) runRead(ctx context.Context, tenantID string, p *plannedEntry) (fhirmodel.BundleEntry, error) {
	if p.isSearch {
		q, err := search.ParseQuery(p.resourceType, p.query)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		result, err := x.engine.Execute(ctx, tenantID, q)
		if err != nil {
			return fhirmodel.BundleEntry{}, err
		}
		bundle := fhirmodel.NewSearchBundle(len(result.Entries), nil)
		for _, e := range result.Entries {
			raw, _ := json.Marshal(map[string]interface{}(e.Resource))
			if e.Mode == search.EntryModeInclude {
				bundle.AddInclude(e.ResourceType+"/"+e.ID, raw)
			} else {
				bundle.AddMatch(e.ResourceType+"/"+e.ID, raw)
			}
		}
		raw, _ := json.Marshal(bundle)
		return fhirmodel.BundleEntry{Resource: raw, Response: &fhirmodel.BundleResponse{Status: "200 OK"}}, nil
	}

	resource, err := x.store.Read(ctx, tenantID, p.resourceType, p.id)
	if err != nil {
		return fhirmodel.BundleEntry{}, err
	}
	return resourceResponse("200 OK", resource), nil
}

func resourceResponse(status string, resource fhirmodel.Resource) fhirmodel.BundleEntry {
	raw, _ := json.Marshal(map[string]interface{}(resource))
	location := resource.ResourceType() + "/" + resource.ID()
	return fhirmodel.BundleEntry{
		FullURL:  location,
		Resource: raw,
		Response: &fhirmodel.BundleResponse{Status: status, Location: location, LastModified: nowHeader()},
	}
}

// queryValues parses a bare query string (If-None-Exist carries no leading
// "?", unlike a Bundle.entry.request.url's query component).
func queryValues(raw string) (url.Values, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "malformed conditional query %q", raw)
	}
	return values, nil
}
