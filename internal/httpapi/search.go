package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func (s *Server) handleSearchType(c echo.Context) error {
	return s.runSearch(c, c.Param("type"), c.QueryParams())
}

func (s *Server) handleSearchSystem(c echo.Context) error {
	return s.runSearch(c, "", c.QueryParams())
}

// handleSearchPost implements the POST {type}/_search form: identical
// semantics to GET, with parameters taken from the form-encoded body
// instead of the query string.
func (s *Server) handleSearchPost(c echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return writeOutcome(c, errs.Wrap(errs.Validation, err, "malformed form body"))
	}
	return s.runSearch(c, c.Param("type"), c.Request().PostForm)
}

func (s *Server) runSearch(c echo.Context, resourceType string, values map[string][]string) error {
	q, err := parseSearchQuery(resourceType, values)
	if err != nil {
		return writeOutcome(c, err)
	}
	result, err := s.engine.Execute(c.Request().Context(), tenantID(c), q)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeSearchBundle(c, q, result)
}

func (s *Server) handleCompartmentSearch(c echo.Context) error {
	compartmentType, compartmentID, resourceType := c.Param("ctype"), c.Param("cid"), c.Param("type")
	q, err := parseSearchQuery(resourceType, c.QueryParams())
	if err != nil {
		return writeOutcome(c, err)
	}
	q.CompartmentType, q.CompartmentID = compartmentType, compartmentID
	result, err := s.engine.Execute(c.Request().Context(), tenantID(c), q)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeSearchBundle(c, q, result)
}

// parseSearchQuery pulls the page-continuation cursor out of the raw query
// values before handing the rest to search.ParseQuery, since "_page" is a
// pagination transport detail rather than a FHIR control or search
// parameter search.ParseQuery itself knows about.
func parseSearchQuery(resourceType string, values map[string][]string) (search.Query, error) {
	pageToken := ""
	filtered := make(map[string][]string, len(values))
	for k, v := range values {
		if k == "_page" {
			if len(v) > 0 {
				pageToken = v[len(v)-1]
			}
			continue
		}
		filtered[k] = v
	}
	q, err := search.ParseQuery(resourceType, filtered)
	if err != nil {
		return search.Query{}, err
	}
	q.PageToken = pageToken
	return q, nil
}

// writeSearchBundle assembles a searchset Bundle from result, applying
// _summary=text/data/false and _elements projection to each matched entry
// (search.Engine itself never trims resource bodies) and rendering
// self/next pagination links from the opaque page tokens it returned.
func writeSearchBundle(c echo.Context, q search.Query, result *search.Result) error {
	var bundle *fhirmodel.Bundle
	links := buildSearchLinks(c, q, result)
	if result.Total != nil {
		bundle = fhirmodel.NewSearchBundle(int(*result.Total), links)
	} else {
		bundle = &fhirmodel.Bundle{ResourceType: "Bundle", Type: "searchset", Link: links}
	}

	for _, entry := range result.Entries {
		resource := entry.Resource
		if q.Summary != "" && q.Summary != search.SummaryFalse {
			resource = applySummary(resource, q.Summary)
		}
		if len(q.Elements) > 0 {
			resource = projectElements(resource, q.Elements)
		}
		raw, err := json.Marshal(resource)
		if err != nil {
			return writeOutcome(c, errs.Wrap(errs.Internal, err, "marshal search entry"))
		}
		fullURL := entryFullURL(c, entry.ResourceType, entry.ID)
		if entry.Mode == search.EntryModeInclude {
			bundle.AddInclude(fullURL, raw)
		} else {
			bundle.AddMatch(fullURL, raw)
		}
	}

	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(http.StatusOK, bundle)
}

func entryFullURL(c echo.Context, resourceType, id string) string {
	return c.Scheme() + "://" + c.Request().Host + "/fhir/" + resourceType + "/" + id
}

// applySummary narrows resource for every _summary mode except "count"
// (handled upstream by search.Engine short-circuiting to zero entries) and
// "false" (no narrowing, handled by the caller before this is reached).
// "text" keeps only the mandatory elements plus any narrative; "data" drops
// the narrative and keeps everything else.
func applySummary(resource fhirmodel.Resource, summary search.Summary) fhirmodel.Resource {
	switch summary {
	case search.SummaryText:
		keep := map[string]bool{"resourceType": true, "id": true, "meta": true, "text": true}
		out := fhirmodel.Resource{}
		for k, v := range resource {
			if keep[k] {
				out[k] = v
			}
		}
		return out
	case search.SummaryData, search.SummaryTrue:
		out := fhirmodel.Resource{}
		for k, v := range resource {
			if k != "text" {
				out[k] = v
			}
		}
		return out
	default:
		return resource
	}
}

func buildSearchLinks(c echo.Context, q search.Query, result *search.Result) []fhirmodel.BundleLink {
	links := []fhirmodel.BundleLink{{Relation: "self", URL: withPageToken(c, result.SelfToken)}}
	if result.NextToken != "" {
		links = append(links, fhirmodel.BundleLink{Relation: "next", URL: withPageToken(c, result.NextToken)})
	}
	return links
}

// withPageToken renders the current request's URL with _page replaced by
// token, the opaque cursor search.Engine hands back in Result.SelfToken /
// Result.NextToken.
func withPageToken(c echo.Context, token string) string {
	u := *c.Request().URL
	q := u.Query()
	q.Set("_page", token)
	u.RawQuery = q.Encode()
	full := c.Scheme() + "://" + c.Request().Host + "/fhir" + u.String()
	return full
}
