// Package httpapi binds the core services (store, search, txn, operations,
// conformance, runtimeconfig) onto the FHIR REST surface over echo/v4. It is
// a thin shell: every handler here is a few lines of request parsing
// followed by a call into one of those packages, and performs no business
// logic of its own.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// FHIRContentType is the only representation this server produces; XML and
// other FHIR wire formats are out of scope.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// writeResource sends resource as a FHIR JSON body with the given status,
// setting ETag/Location/Last-Modified from its meta when present.
func writeResource(c echo.Context, status int, resource fhirmodel.Resource) error {
	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		if v, ok := meta["versionId"].(string); ok && v != "" {
			c.Response().Header().Set(echo.HeaderETag, `W/"`+v+`"`)
		}
		if lu, ok := meta["lastUpdated"].(string); ok && lu != "" {
			c.Response().Header().Set("Last-Modified", lu)
		}
	}
	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(status, resource)
}

// writeOutcome sends an OperationOutcome with the status errs.HTTPStatus
// derives from err's kind.
func writeOutcome(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	outcome := fhirmodel.NewOperationOutcome("error", string(kind), err.Error())
	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(status, outcome)
}

func preferReturn(c echo.Context) string {
	for _, part := range splitPrefer(c.Request().Header.Get("Prefer")) {
		if k, v, ok := cutPreferDirective(part); ok && k == "return" {
			return v
		}
	}
	return "representation"
}

func splitPrefer(header string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(header); i++ {
		if header[i] == ',' {
			parts = append(parts, header[start:i])
			start = i + 1
		}
	}
	parts = append(parts, header[start:])
	return parts
}

func cutPreferDirective(part string) (key, value string, ok bool) {
	trimmed := trimSpace(part)
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '=' {
			return trimSpace(trimmed[:i]), trimSpace(trimmed[i+1:]), true
		}
	}
	return "", "", false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// writeCreated responds to a successful create: 201, Location header,
// Prefer-aware body.
func writeCreated(c echo.Context, resource fhirmodel.Resource) error {
	rt, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	c.Response().Header().Set(echo.HeaderLocation, "/fhir/"+rt+"/"+id)
	return writeWithPrefer(c, http.StatusCreated, resource)
}

// writeUpdated responds to a successful update: 200, Prefer-aware body.
func writeUpdated(c echo.Context, resource fhirmodel.Resource) error {
	return writeWithPrefer(c, http.StatusOK, resource)
}

// writeWithPrefer renders resource per the client's Prefer: return=...
// request header: minimal omits the body, OperationOutcome substitutes a
// bare success outcome, anything else (including no header) returns the
// full resource representation.
func writeWithPrefer(c echo.Context, status int, resource fhirmodel.Resource) error {
	switch preferReturn(c) {
	case "minimal":
		c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
		return c.NoContent(status)
	case "OperationOutcome":
		outcome := fhirmodel.NewOperationOutcome("information", "informational", "resource committed")
		c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
		return c.JSON(status, outcome)
	default:
		return writeResource(c, status, resource)
	}
}
