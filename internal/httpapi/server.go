package httpapi

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/audit"
	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/conformance"
	"github.com/ehr/fhirengine/internal/config"
	"github.com/ehr/fhirengine/internal/operations"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/platform/middleware"
	"github.com/ehr/fhirengine/internal/runtimeconfig"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/txn"
)

// DefaultCapabilityStatementURL is the canonical URL this server looks
// this deployment's CapabilityStatement up by when answering $metadata.
const DefaultCapabilityStatementURL = "http://fhirengine.local/CapabilityStatement/fhirengine"

// Server binds the core services onto the FHIR REST surface. It carries no
// state of its own beyond the echo.Echo instance and the collaborators
// every handler delegates to.
type Server struct {
	Echo *echo.Echo

	cfg         *config.Config
	store       *store.Store
	engine      *search.Engine
	txn         *txn.Executor
	operations  *operations.Executor
	conformance conformance.Provider
	compartment *compartment.Resolver
	runtimeConfig *runtimeconfig.Service
	audit       *audit.Recorder
	log         zerolog.Logger

	capabilityStatementURL string
}

// Deps collects every collaborator Server needs. All fields are required
// except RuntimeConfig (nil disables the admin surface entirely, in
// addition to the cfg.UIRuntimeConfigEnabled gate) and Audit (nil disables
// audit logging regardless of cfg.AuditEnabled).
type Deps struct {
	Config        *config.Config
	Pool          *pgxpool.Pool
	Store         *store.Store
	Engine        *search.Engine
	Txn           *txn.Executor
	Operations    *operations.Executor
	Conformance   conformance.Provider
	Compartment   *compartment.Resolver
	RuntimeConfig *runtimeconfig.Service
	Audit         *audit.Recorder
	Log           zerolog.Logger
}

// New builds the echo.Echo instance and registers every route. Pool is
// accepted (even though most handlers reach the database only through
// Store/Engine/Txn) because db.HealthHandler needs it directly.
func New(d Deps) *Server {
	s := &Server{
		cfg:                    d.Config,
		store:                  d.Store,
		engine:                 d.Engine,
		txn:                    d.Txn,
		operations:             d.Operations,
		conformance:            d.Conformance,
		compartment:            d.Compartment,
		runtimeConfig:          d.RuntimeConfig,
		audit:                  d.Audit,
		log:                    d.Log,
		capabilityStatementURL: DefaultCapabilityStatementURL,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.Echo = e

	e.Use(middleware.Recovery(s.log))
	e.Use(requestIDMiddleware())
	e.Use(middleware.Logger(s.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(s.log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.Config.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "Prefer", "If-Match", "If-None-Match", "X-Request-ID", "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", "Location", "Last-Modified", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(d.Config.RequestBodyLimit, d.Config.BundleBodyLimit))
	e.Use(middleware.RequestTimeout(time.Duration(d.Config.RequestTimeoutSeconds) * time.Second))

	rateLimitCfg := middleware.RateLimitConfig{RequestsPerSecond: d.Config.RateLimitRPS, BurstSize: d.Config.RateLimitBurst}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(d.Pool))

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(tenantMiddleware(d.Config.DefaultTenant))
	if s.audit != nil {
		fhirGroup.Use(s.auditMiddleware())
	}
	fhirGroup.Use(s.operationDispatchMiddleware())
	s.registerFHIRRoutes(fhirGroup)

	if d.Config.UIRuntimeConfigEnabled && s.runtimeConfig != nil {
		s.registerAdminRoutes(e.Group("/admin"))
	}

	return s
}

func (s *Server) registerFHIRRoutes(g *echo.Group) {
	g.GET("/metadata", s.handleMetadata)
	g.GET("/.well-known/smart-configuration", s.handleSmartConfiguration)

	g.POST("", s.handleBundle)
	g.POST("/", s.handleBundle)

	g.GET("/:type/_history", s.handleHistoryType)
	g.GET("/_history", s.handleHistorySystem)

	g.GET("/:type/_search", s.handleSearchType)
	g.POST("/:type/_search", s.handleSearchPost)
	g.GET("/_search", s.handleSearchSystem)

	g.GET("/:ctype/:cid/:type", s.handleCompartmentSearch)

	g.POST("/:type", s.handleCreate)
	g.PUT("/:type", s.handleConditionalUpdate)
	g.GET("/:type", s.handleSearchType)
	g.GET("/:type/:id", s.handleRead)
	g.GET("/:type/:id/_history/:vid", s.handleVRead)
	g.GET("/:type/:id/_history", s.handleHistoryInstance)
	g.PUT("/:type/:id", s.handleUpdate)
	g.DELETE("/:type/:id", s.handleDelete)
}

func (s *Server) registerAdminRoutes(g *echo.Group) {
	g.POST("/login", s.handleAdminLogin)
	g.POST("/logout", s.handleAdminLogout)

	cfgGroup := g.Group("/runtime-config")
	cfgGroup.Use(adminSessionMiddleware(s.cfg))
	cfgGroup.GET("", s.handleRuntimeConfigList)
	cfgGroup.GET("/audit-log", s.handleRuntimeConfigAuditLog)
	cfgGroup.GET("/:key", s.handleRuntimeConfigGet)
	cfgGroup.PUT("/:key", s.handleRuntimeConfigUpdate)
	cfgGroup.POST("/:key/reset", s.handleRuntimeConfigReset)
}
