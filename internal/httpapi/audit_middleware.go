package httpapi

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/audit"
)

// auditMiddleware records one audit.Event per FHIR interaction after the
// handler completes, narrowed by the logging.audit.interactions.* flags
// (crud/search/admin) so a deployment can audit writes without paying for
// every search hit.
func (s *Server) auditMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			resourceType, resourceID := auditSubject(c)
			action := httpMethodToFHIRAction(c.Request().Method, resourceID)
			if !s.auditInteractionEnabled(action) {
				return err
			}

			status := c.Response().Status
			outcome := "success"
			if err != nil || status >= 400 {
				outcome = "failure"
			}

			s.audit.Record(c.Request().Context(), audit.Event{
				TenantID:     tenantID(c),
				Action:       action,
				HTTPMethod:   c.Request().Method,
				FHIRAction:   action,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				IPAddress:    clientIP(c),
				UserAgent:    c.Request().UserAgent(),
				StatusCode:   status,
				Outcome:      outcome,
			})
			return err
		}
	}
}

func (s *Server) auditInteractionEnabled(action string) bool {
	switch action {
	case "search":
		return s.cfg.AuditInteractionsSearch
	case "admin":
		return s.cfg.AuditInteractionsAdmin
	default:
		return s.cfg.AuditInteractionsCRUD
	}
}

func auditSubject(c echo.Context) (resourceType, resourceID string) {
	return c.Param("type"), c.Param("id")
}

func httpMethodToFHIRAction(method, resourceID string) string {
	switch method {
	case "POST":
		if resourceID == "" {
			return "create"
		}
		return "operation"
	case "PUT":
		return "update"
	case "DELETE":
		return "delete"
	case "GET":
		if resourceID == "" {
			return "search"
		}
		return "read"
	default:
		return strings.ToLower(method)
	}
}
