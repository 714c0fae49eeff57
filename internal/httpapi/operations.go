package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/operations"
)

// operationDispatchMiddleware intercepts any request whose path contains a
// "/$" operation invocation and routes it through internal/operations,
// before the normal CRUD routes ever see it. "/$code", "/Type/$code" and
// "/Type/id/$code" resolve to system/type/instance scope by how many path
// segments precede the "$" segment.
func (s *Server) operationDispatchMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := strings.TrimPrefix(c.Request().URL.Path, "/fhir")
			dollarIdx := strings.LastIndex(path, "/$")
			if dollarIdx < 0 {
				return next(c)
			}
			code := path[dollarIdx+2:]
			prefix := strings.Trim(path[:dollarIdx], "/")

			var segments []string
			if prefix != "" {
				segments = strings.Split(prefix, "/")
			}

			var scope operations.Scope
			var resourceType, resourceID string
			switch len(segments) {
			case 0:
				scope = operations.ScopeSystem
			case 1:
				scope = operations.ScopeType
				resourceType = segments[0]
			case 2:
				scope = operations.ScopeInstance
				resourceType, resourceID = segments[0], segments[1]
			default:
				return writeOutcome(c, errs.New(errs.Validation, "malformed operation path %q", path))
			}

			return s.invokeOperation(c, scope, resourceType, resourceID, code)
		}
	}
}

func (s *Server) invokeOperation(c echo.Context, scope operations.Scope, resourceType, resourceID, code string) error {
	params, err := operationParams(c)
	if err != nil {
		return writeOutcome(c, err)
	}

	inv := &operations.Invocation{
		Context:      c.Request().Context(),
		TenantID:     tenantID(c),
		Code:         code,
		Scope:        scope,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		HTTPMethod:   c.Request().Method,
		Params:       params,
	}
	result, err := s.operations.Execute(inv)
	if err != nil {
		return writeOutcome(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
	return c.JSON(http.StatusOK, result.Resource)
}

// operationParams builds an Invocation's Params from a GET query string
// (for operations that don't affect state) or a POST Parameters resource
// body.
func operationParams(c echo.Context) (map[string][]interface{}, error) {
	if c.Request().Method == http.MethodGet {
		return operations.ParseQueryParams(c.QueryParams()), nil
	}
	var body map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "malformed Parameters body")
	}
	return operations.ParseParameters(body)
}
