package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirengine/internal/audit"
	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/conformance"
	"github.com/ehr/fhirengine/internal/config"
	"github.com/ehr/fhirengine/internal/httpapi"
	"github.com/ehr/fhirengine/internal/indexing"
	"github.com/ehr/fhirengine/internal/jobs"
	"github.com/ehr/fhirengine/internal/operations"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/queue"
	"github.com/ehr/fhirengine/internal/refs"
	"github.com/ehr/fhirengine/internal/runtimeconfig"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/searchparam"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/txn"
	"github.com/ehr/fhirengine/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirengine-server",
		Short: "Multi-tenant FHIR R4 REST API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.NewMigrator(pool).Apply(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if len(applied) == 0 {
				fmt.Println("database already up to date")
				return nil
			}
			for _, m := range applied {
				fmt.Printf("applied %03d_%s\n", m.Version, m.Name)
			}
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background job worker pool standalone (no HTTP server)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// coreDeps bundles the collaborators `serve` and `worker` both need: the
// store (wired to the referential-integrity enforcer and the indexing/
// compartment hooks), the search engine, and the pieces a job handler
// reaches into.
type coreDeps struct {
	pool        *pgxpool.Pool
	store       *store.Store
	engine      *search.Engine
	indexer     *indexing.Service
	compartment *compartment.Resolver
}

func buildCore(ctx context.Context, cfg *config.Config) (*coreDeps, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if _, err := db.NewMigrator(pool).Apply(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	registry := searchparam.NewRegistry()
	// No bundled base FHIR SearchParameter package is loaded here (see
	// DESIGN.md): the registry starts empty and is populated by creating
	// SearchParameter resources through the FHIR REST API itself, which
	// registry.Load already supports incrementally.

	engine := search.NewEngine(pool, registry)
	indexer := indexing.NewService(pool, registry)
	compartmentSvc := compartment.NewService(pool)
	compartmentResolver := compartment.NewResolver(engine)

	ri := refs.NewEnforcer(refs.Mode(cfg.ReferentialIntegrity), nil, nil)

	// The enforcer's Exists/ReferencedBy callbacks close over st, which is
	// only assigned once store.New returns: the store and the enforcer it
	// carries are mutually referential, so st starts nil and the closures
	// aren't actually invoked until the first write reaches the store.
	var st *store.Store
	ri.Exists = func(ctx context.Context, tenantID, resourceType, id string) (bool, bool, error) {
		return st.Exists(ctx, tenantID, resourceType, id)
	}
	ri.ReferencedBy = func(ctx context.Context, tenantID, resourceType, id string) (bool, error) {
		return st.ReferencedBy(ctx, tenantID, resourceType, id)
	}

	st = store.New(pool,
		store.WithReferentialIntegrity(ri),
		store.WithHooks(indexer, compartmentSvc),
		store.WithClientAssignedIDs(false),
	)

	return &coreDeps{
		pool:        pool,
		store:       st,
		engine:      engine,
		indexer:     indexer,
		compartment: compartmentResolver,
	}, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	ctx := context.Background()
	core, err := buildCore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer core.pool.Close()
	log.Info().Msg("connected to database")

	executor := txn.NewExecutor(core.pool, core.store, core.engine)

	registry := operations.NewRegistry()
	if err := operations.RegisterBuiltins(registry, core.store, core.engine, core.pool, operations.NewInMemoryTerminology()); err != nil {
		log.Fatal().Err(err).Msg("failed to register operations")
	}
	opsExecutor := operations.NewExecutor(registry)

	dbBacked := conformance.NewDbBacked(core.pool)
	packageBacked := conformance.NewPackageBacked()
	conformanceProvider := conformance.Provider(conformance.Fallback{Primary: dbBacked, Secondary: packageBacked})

	runtimeCfg := runtimeconfig.NewService(core.pool)
	auditRecorder := audit.NewRecorder(core.pool, log, cfg.AuditEnabled)

	server := httpapi.New(httpapi.Deps{
		Config:        cfg,
		Pool:          core.pool,
		Store:         core.store,
		Engine:        core.engine,
		Txn:           executor,
		Operations:    opsExecutor,
		Conformance:   conformanceProvider,
		Compartment:   core.compartment,
		RuntimeConfig: runtimeCfg,
		Audit:         auditRecorder,
		Log:           log,
	})

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	if cfg.WorkersEnabled && cfg.WorkersEmbedded {
		runner := buildWorkerRunner(core.pool, core.indexer, cfg, log)
		go func() {
			if err := runner.Run(workerCtx); err != nil {
				log.Error().Err(err).Msg("worker runner stopped with error")
			}
		}()
	}

	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Msg("starting server")
		if err := server.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	cancelWorker()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Echo.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	ctx := context.Background()
	core, err := buildCore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer core.pool.Close()

	runner := buildWorkerRunner(core.pool, core.indexer, cfg, log)

	runCtx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down worker")
		cancel()
	}()

	return runner.Run(runCtx)
}

func buildWorkerRunner(pool *pgxpool.Pool, indexer *indexing.Service, cfg *config.Config, log zerolog.Logger) *worker.Runner {
	q := queue.NewPostgresQueue(pool)
	runner := worker.NewRunner(q, worker.Config{
		Enabled:                 cfg.WorkersEnabled,
		Embedded:                cfg.WorkersEmbedded,
		MaxConcurrentJobs:       cfg.WorkersMaxConcurrentJobs,
		PollIntervalSeconds:     cfg.WorkersPollIntervalSeconds,
		ReconnectInitialSeconds: cfg.WorkersReconnectInitialSeconds,
		ReconnectMaxSeconds:     cfg.WorkersReconnectMaxSeconds,
		ReconnectJitterRatio:    cfg.WorkersReconnectJitterRatio,
	}, log, cfg.DefaultTenant, "fhirengine-worker")

	runner.Register(jobs.JobTypeReindex, jobs.NewReindexHandler(pool, indexer).Handle)
	return runner
}
