package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// handleBundle implements the whole-system batch/transaction interaction,
// POST /fhir with a Bundle body whose type selects batch or transaction
// semantics (internal/txn.Executor dispatches on it).
func (s *Server) handleBundle(c echo.Context) error {
	var bundle fhirmodel.Bundle
	if err := json.NewDecoder(c.Request().Body).Decode(&bundle); err != nil {
		return writeOutcome(c, errs.Wrap(errs.Validation, err, "malformed Bundle body"))
	}
	result, err := s.txn.Execute(c.Request().Context(), tenantID(c), &bundle)
	if err != nil {
		return writeOutcome(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(http.StatusOK, result)
}
