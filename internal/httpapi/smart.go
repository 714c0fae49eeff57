package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// handleSmartConfiguration answers /fhir/.well-known/smart-configuration
// with a minimal, mostly-empty document: this server carries no
// resource-scoped SMART/OAuth surface on the FHIR REST routes themselves,
// so there are no authorization/token endpoints to advertise.
func (s *Server) handleSmartConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"capabilities": []string{},
	})
}
