package txn

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// plannedEntry is one Bundle.entry, decoded and (for a transaction) later
// annotated with its pre-assigned id and dependency edges.
type plannedEntry struct {
	index        int
	fullURL      string
	request      fhirmodel.BundleRequest
	resource     fhirmodel.Resource
	resourceType string
	id           string // target id once known; "" until assignIDs/parseEntryURL resolves one
	query        url.Values
	isSearch     bool // URL carried a "?query" (conditional PUT/DELETE, or If-None-Exist's target)

	dependsOn []int // indices of other plans this one's resource references via urn:uuid
}

func parseEntry(index int, src fhirmodel.BundleEntry) (*plannedEntry, error) {
	if src.Request == nil || src.Request.Method == "" {
		return nil, errs.New(errs.Validation, "Bundle.entry[%d] is missing request.method", index)
	}
	if src.Request.URL == "" {
		return nil, errs.New(errs.Validation, "Bundle.entry[%d] is missing request.url", index)
	}

	plan := &plannedEntry{
		index:   index,
		fullURL: src.FullURL,
		request: *src.Request,
	}
	plan.request.Method = strings.ToUpper(plan.request.Method)

	if len(src.Resource) > 0 {
		var res fhirmodel.Resource
		if err := json.Unmarshal(src.Resource, &res); err != nil {
			return nil, errs.Wrap(errs.Validation, err, "Bundle.entry[%d].resource is not valid JSON", index)
		}
		plan.resource = res
	}

	resourceType, id, query, isSearch := parseEntryURL(plan.request.URL)
	plan.resourceType = resourceType
	plan.id = id
	plan.query = query
	plan.isSearch = isSearch
	return plan, nil
}

// parseEntryURL splits a Bundle.entry.request.url into its resource type,
// (optional) instance id, and (optional) query parameters. "Patient/123",
// "Patient?name=Smith" and "Patient" are all valid inputs.
func parseEntryURL(raw string) (resourceType, id string, query url.Values, isSearch bool) {
	path, rawQuery, hasQuery := strings.Cut(raw, "?")
	parts := strings.SplitN(path, "/", 2)
	resourceType = parts[0]
	if len(parts) == 2 {
		id = parts[1]
	}
	if hasQuery {
		query, _ = url.ParseQuery(rawQuery)
		isSearch = true
	}
	return resourceType, id, query, isSearch
}
