package operations

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

const everythingPerTypeCount = 500

// Everything implements Patient/[id]/$everything (spec.md §4.9's named
// built-in): the patient itself plus every resource in its compartment,
// optionally restricted by _type and _since and capped by _count.
//
// It is built entirely on top of internal/store and internal/search rather
// than a fresh compartment-walk: search.Query already carries
// CompartmentType/CompartmentID (internal/search/compartment.go), so this
// handler only needs to discover which resource types actually have
// membership rows for this compartment and issue one compartment-scoped
// search per type — search.Engine.Execute does the rest.
type Everything struct {
	Store  *store.Store
	Engine *search.Engine
	Pool   *pgxpool.Pool
}

func (e *Everything) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return e.Pool
}

func (e *Everything) Handle(inv *Invocation) (*Result, error) {
	ctx := inv.Context
	patientID := inv.ResourceID
	if patientID == "" {
		return nil, errs.New(errs.Validation, "$everything requires a Patient instance")
	}

	patient, err := e.Store.Read(ctx, inv.TenantID, "Patient", patientID)
	if err != nil {
		return nil, err
	}

	typeFilter := stringSlice(inv.Params, "_type")
	since := singleString(inv.Params, "_since")
	count := intParam(inv.Params, "_count", 0)

	resourceTypes, err := e.compartmentResourceTypes(ctx, inv.TenantID, patientID)
	if err != nil {
		return nil, err
	}
	resourceTypes = restrictTypes(resourceTypes, typeFilter)

	entries := []fhirmodel.BundleEntry{bundleEntryFor(patient)}
	total := 1
	for _, rt := range resourceTypes {
		q := search.Query{
			ResourceType:    rt,
			CompartmentType: "Patient",
			CompartmentID:   patientID,
			Count:           everythingPerTypeCount,
			Sort:            []search.SortSpec{{Code: "_lastUpdated"}},
		}
		result, err := e.Engine.Execute(ctx, inv.TenantID, q)
		if err != nil {
			return nil, err
		}
		for _, entry := range result.Entries {
			if since != "" && resourceLastUpdated(entry.Resource) < since {
				continue
			}
			entries = append(entries, bundleEntryFor(entry.Resource))
			total++
			if count > 0 && total >= count {
				break
			}
		}
		if count > 0 && total >= count {
			break
		}
	}

	bundle := fhirmodel.NewSearchBundle(total, nil)
	bundle.Entry = entries
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "marshal $everything bundle")
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decode $everything bundle")
	}
	return &Result{Resource: asMap}, nil
}

// compartmentResourceTypes returns every resource_type with membership rows
// for (tenantID, "Patient", patientID)'s compartment, i.e. every type the
// compartment-rebuild service (C13) has ever recorded parameter_names for.
func (e *Everything) compartmentResourceTypes(ctx context.Context, tenantID, patientID string) ([]string, error) {
	rows, err := e.conn(ctx).Query(ctx, `
		SELECT DISTINCT resource_type FROM compartment_memberships
		WHERE tenant_id=$1 AND compartment_type='Patient'`, tenantID)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "list compartment resource types")
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var rt string
		if err := rows.Scan(&rt); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan compartment resource type")
		}
		types = append(types, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Database, err, "iterate compartment resource types")
	}
	sort.Strings(types)
	return types, nil
}

// restrictTypes intersects candidates with filter (the _type parameter's
// values), preserving candidates' order. An empty filter means "all types".
func restrictTypes(candidates, filter []string) []string {
	if len(filter) == 0 {
		return candidates
	}
	allowed := make(map[string]bool, len(filter))
	for _, t := range filter {
		allowed[t] = true
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

func resourceLastUpdated(r fhirmodel.Resource) string {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return ""
	}
	lu, _ := meta["lastUpdated"].(string)
	return lu
}

func bundleEntryFor(r fhirmodel.Resource) fhirmodel.BundleEntry {
	raw, _ := json.Marshal(r)
	fullURL := r.ResourceType() + "/" + r.ID()
	return fhirmodel.BundleEntry{
		FullURL:  fullURL,
		Resource: raw,
		Search:   &fhirmodel.BundleSearch{Mode: "match"},
	}
}
