package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/config"
	"github.com/ehr/fhirengine/internal/platform/db"
)

const requestIDContextKey = "request_id"

// requestIDMiddleware generates or forwards X-Request-Id and stores it
// under "request_id" so Recovery/Logger (which read c.Get, not the
// response header) can include it. Neither the echo middleware package's
// own RequestID nor a bare call to it populates that context key.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set(requestIDContextKey, rid)
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
			return next(c)
		}
	}
}

// tenantMiddleware resolves the logical tenant from X-Tenant-ID, falling
// back to defaultTenant, and stamps it onto the request context so every
// repository call underneath sees it via db.TenantFromContext.
func tenantMiddleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := c.Request().Header.Get("X-Tenant-ID")
			if tenantID == "" {
				tenantID = defaultTenant
			}
			ctx := db.WithTenant(c.Request().Context(), tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func tenantID(c echo.Context) string {
	return db.TenantFromContext(c.Request().Context())
}

// adminClaims is the admin session token's payload: just enough to prove
// the bearer authenticated against cfg.UIPassword, nothing resembling the
// FHIR-surface RBAC/SMART claims the rest of this server deliberately
// carries none of.
type adminClaims struct {
	jwt.RegisteredClaims
}

const adminSessionCookie = "fhirengine_admin_session"

// issueAdminSession mints an HMAC-signed session token for the admin
// surface, following the same jwt.NewWithClaims/SignedString construction
// the platform's JWT middleware uses for its HMAC dev-mode branch — the
// only signing path this bounded admin collaborator needs.
func issueAdminSession(cfg *config.Config) (string, error) {
	now := time.Now().UTC()
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.UISessionTTLSeconds) * time.Second)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.UISessionSecret))
}

func parseAdminSession(cfg *config.Config, tokenStr string) (*adminClaims, error) {
	claims := &adminClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.UISessionSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// adminSessionMiddleware gates the runtime-config admin surface on a valid
// session cookie minted by the login handler. It never touches FHIR
// routes: access control on the FHIR REST surface itself is out of scope
// for this server, which binds only the bounded admin collaborator.
func adminSessionMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(adminSessionCookie)
			if err != nil || cookie.Value == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "admin session required"})
			}
			if _, err := parseAdminSession(cfg, cookie.Value); err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired admin session"})
			}
			return next(c)
		}
	}
}

func clientIP(c echo.Context) string {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return c.RealIP()
}
