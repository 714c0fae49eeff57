package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// bindResource decodes the request body into a fhirmodel.Resource, failing
// with errs.Validation (not a raw JSON error) on malformed input so the
// error middleware renders a proper OperationOutcome.
func bindResource(c echo.Context) (fhirmodel.Resource, error) {
	var resource fhirmodel.Resource
	if err := json.NewDecoder(c.Request().Body).Decode(&resource); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "malformed JSON body")
	}
	return resource, nil
}

func (s *Server) handleCreate(c echo.Context) error {
	resourceType := c.Param("type")
	resource, err := bindResource(c)
	if err != nil {
		return writeOutcome(c, err)
	}

	if ifNoneExist := c.Request().Header.Get("If-None-Exist"); ifNoneExist != "" {
		query, err := url.ParseQuery(ifNoneExist)
		if err != nil {
			return writeOutcome(c, errs.Wrap(errs.Validation, err, "malformed If-None-Exist header"))
		}
		ref, err := s.compartment.Resolve(c.Request().Context(), tenantID(c), resourceType, query)
		switch {
		case err == nil:
			_, id, _ := strings.Cut(ref, "/")
			existing, err := s.store.Read(c.Request().Context(), tenantID(c), resourceType, id)
			if err != nil {
				return writeOutcome(c, err)
			}
			return writeResource(c, http.StatusOK, existing)
		case !isNoMatch(err):
			return writeOutcome(c, err)
		}
		// No match: fall through and create, per If-None-Exist semantics.
	}

	created, err := s.store.Create(c.Request().Context(), tenantID(c), resourceType, resource, "")
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeCreated(c, created)
}

// handleConditionalUpdate implements PUT {type}?query (no id in the path):
// resolves query to at most one existing resource via the same conditional
// reference resolver internal/txn uses, then updates it in place, or
// creates it at a fresh id if nothing matched.
func (s *Server) handleConditionalUpdate(c echo.Context) error {
	resourceType := c.Param("type")
	resource, err := bindResource(c)
	if err != nil {
		return writeOutcome(c, err)
	}

	ref, err := s.compartment.Resolve(c.Request().Context(), tenantID(c), resourceType, c.QueryParams())
	if err != nil {
		if !isNoMatch(err) {
			return writeOutcome(c, err)
		}
		created, err := s.store.Create(c.Request().Context(), tenantID(c), resourceType, resource, "")
		if err != nil {
			return writeOutcome(c, err)
		}
		return writeCreated(c, created)
	}

	_, id, _ := strings.Cut(ref, "/")
	updated, err := s.store.Update(c.Request().Context(), tenantID(c), resourceType, id, resource, "")
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeUpdated(c, updated)
}

// isNoMatch reports whether err is compartment.Resolver's "zero matches"
// PreconditionFailed, as distinct from its "more than one match" variant
// (both carry the same Kind, so the caller must distinguish them by text:
// the latter must surface as an error, never as a silent create/update).
func isNoMatch(err error) bool {
	return errs.KindOf(err) == errs.PreconditionFailed && strings.Contains(err.Error(), "matched no resources")
}

func (s *Server) handleRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	resource, err := s.store.Read(c.Request().Context(), tenantID(c), resourceType, id)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeWithElements(c, http.StatusOK, resource, c.QueryParams()["_elements"])
}

func (s *Server) handleVRead(c echo.Context) error {
	resourceType, id, vid := c.Param("type"), c.Param("id"), c.Param("vid")
	versionID, err := strconv.ParseInt(vid, 10, 64)
	if err != nil {
		return writeOutcome(c, errs.WithSubject(errs.Validation, vid, "version id must be an integer"))
	}
	resource, err := s.store.ReadVersion(c.Request().Context(), tenantID(c), resourceType, id, versionID)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeResource(c, http.StatusOK, resource)
}

func (s *Server) handleUpdate(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	resource, err := bindResource(c)
	if err != nil {
		return writeOutcome(c, err)
	}
	ifMatch := c.Request().Header.Get(echo.HeaderIfMatch)
	updated, err := s.store.Update(c.Request().Context(), tenantID(c), resourceType, id, resource, ifMatch)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeUpdated(c, updated)
}

func (s *Server) handleDelete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if err := s.store.Delete(c.Request().Context(), tenantID(c), resourceType, id); err != nil {
		return writeOutcome(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistoryInstance(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	versions, err := s.store.HistoryInstance(c.Request().Context(), tenantID(c), resourceType, id)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeHistoryBundle(c, versions)
}

func (s *Server) handleHistoryType(c echo.Context) error {
	resourceType := c.Param("type")
	versions, err := s.store.HistoryType(c.Request().Context(), tenantID(c), resourceType)
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeHistoryBundle(c, versions)
}

func (s *Server) handleHistorySystem(c echo.Context) error {
	versions, err := s.store.HistorySystem(c.Request().Context(), tenantID(c))
	if err != nil {
		return writeOutcome(c, err)
	}
	return writeHistoryBundle(c, versions)
}

func writeHistoryBundle(c echo.Context, versions []fhirmodel.Resource) error {
	entries := make([]fhirmodel.BundleEntry, 0, len(versions))
	for _, v := range versions {
		raw, err := json.Marshal(v)
		if err != nil {
			return writeOutcome(c, errs.Wrap(errs.Internal, err, "marshal history entry"))
		}
		entries = append(entries, fhirmodel.BundleEntry{Resource: raw})
	}
	bundle := fhirmodel.NewHistoryBundle(entries, len(entries))
	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(http.StatusOK, bundle)
}

// writeWithElements renders resource at status, narrowed to the top-level
// elements named by elementsParam (plus resourceType/id/meta, which are
// always kept) when the caller asked for _elements. A read response
// supports the same summary filtering a search bundle entry does.
func writeWithElements(c echo.Context, status int, resource fhirmodel.Resource, elementsParam []string) error {
	elements := splitElements(elementsParam)
	if len(elements) == 0 {
		return writeResource(c, status, resource)
	}
	return writeResource(c, status, projectElements(resource, elements))
}

func splitElements(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// projectElements narrows resource to the requested top-level element
// names plus resourceType/id/meta, which an _elements-filtered resource
// always carries so a client can still identify and version what it got.
func projectElements(resource fhirmodel.Resource, elements []string) fhirmodel.Resource {
	keep := map[string]bool{"resourceType": true, "id": true, "meta": true}
	for _, e := range elements {
		keep[e] = true
	}
	out := fhirmodel.Resource{}
	for k, v := range resource {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}
