package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
)

// handleMetadata serves $metadata from the configured conformance.Provider
// (database-backed, package-backed, or a Fallback of the two) rather than a
// hand-built CapabilityStatement: the canonical CapabilityStatement is
// itself just another conformance resource looked up by its well-known
// canonical URL.
func (s *Server) handleMetadata(c echo.Context) error {
	resources, err := s.conformance.ListByCanonical(c.Request().Context(), tenantID(c), s.capabilityStatementURL)
	if err != nil {
		return writeOutcome(c, err)
	}
	if len(resources) == 0 {
		return writeOutcome(c, errs.New(errs.ResourceNotFound, "no CapabilityStatement registered at %s", s.capabilityStatementURL))
	}
	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(http.StatusOK, resources[0])
}
