package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/errs"
)

type adminLoginRequest struct {
	Password string `json:"password"`
}

// handleAdminLogin checks the submitted password against cfg.UIPassword and,
// on success, issues a session cookie carrying an HMAC-signed JWT — the
// bounded admin collaborator's entire auth surface; it has nothing to do
// with access control on the FHIR REST routes themselves.
func (s *Server) handleAdminLogin(c echo.Context) error {
	var req adminLoginRequest
	if err := c.Bind(&req); err != nil {
		return writeJSONOutcome(c, errs.Wrap(errs.Validation, err, "malformed login request"))
	}
	if s.cfg.UIPassword == "" || req.Password != s.cfg.UIPassword {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid password"})
	}
	token, err := issueAdminSession(s.cfg)
	if err != nil {
		return writeJSONOutcome(c, errs.Wrap(errs.Internal, err, "issue admin session"))
	}
	c.SetCookie(&http.Cookie{
		Name:     adminSessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.TLSEnabled,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   s.cfg.UISessionTTLSeconds,
	})
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminLogout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     adminSessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRuntimeConfigList(c echo.Context) error {
	entries, err := s.runtimeConfig.List(c.Request().Context(), tenantID(c), c.QueryParam("category"))
	if err != nil {
		return writeJSONOutcome(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleRuntimeConfigGet(c echo.Context) error {
	entry, err := s.runtimeConfig.Get(c.Request().Context(), tenantID(c), c.Param("key"))
	if err != nil {
		return writeJSONOutcome(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

type runtimeConfigUpdateRequest struct {
	Value interface{} `json:"value"`
}

func (s *Server) handleRuntimeConfigUpdate(c echo.Context) error {
	var req runtimeConfigUpdateRequest
	if err := c.Bind(&req); err != nil {
		return writeJSONOutcome(c, errs.Wrap(errs.Validation, err, "malformed update request"))
	}
	entry, err := s.runtimeConfig.Update(c.Request().Context(), tenantID(c), c.Param("key"), req.Value, adminActor(c))
	if err != nil {
		return writeJSONOutcome(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) handleRuntimeConfigReset(c echo.Context) error {
	entry, err := s.runtimeConfig.Reset(c.Request().Context(), tenantID(c), c.Param("key"), adminActor(c))
	if err != nil {
		return writeJSONOutcome(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) handleRuntimeConfigAuditLog(c echo.Context) error {
	limit, offset := 50, 0
	rows, err := s.runtimeConfig.AuditLog(c.Request().Context(), tenantID(c), c.QueryParam("key"), limit, offset)
	if err != nil {
		return writeJSONOutcome(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func adminActor(c echo.Context) string {
	if ip := clientIP(c); ip != "" {
		return "admin@" + ip
	}
	return "admin"
}

func writeJSONOutcome(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	return c.JSON(errs.HTTPStatus(kind), map[string]string{"error": err.Error()})
}
