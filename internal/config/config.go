package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	AuthMode            string   `mapstructure:"AUTH_MODE"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string   `mapstructure:"REDIS_URL"`
	AuthIssuer          string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL         string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience        string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant       string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey  string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	RateLimitRPS        float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled          bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile         string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile          string   `mapstructure:"TLS_KEY_FILE"`
	RequestBodyLimit      string `mapstructure:"REQUEST_BODY_LIMIT"`
	BundleBodyLimit       string `mapstructure:"BUNDLE_BODY_LIMIT"`
	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	// fhir.* (spec.md §6)
	FHIRVersion                      string `mapstructure:"FHIR_VERSION"`
	InteractionCompartmentSearch     bool   `mapstructure:"INTERACTIONS_COMPARTMENT_SEARCH"`
	InteractionBatchCreate           bool   `mapstructure:"INTERACTIONS_BATCH_CREATE"`
	InteractionBatchUpdate           bool   `mapstructure:"INTERACTIONS_BATCH_UPDATE"`
	InteractionBatchDelete           bool   `mapstructure:"INTERACTIONS_BATCH_DELETE"`
	InteractionTransactionCreate     bool   `mapstructure:"INTERACTIONS_TRANSACTION_CREATE"`
	InteractionTransactionUpdate     bool   `mapstructure:"INTERACTIONS_TRANSACTION_UPDATE"`
	InteractionTransactionDelete     bool   `mapstructure:"INTERACTIONS_TRANSACTION_DELETE"`
	SearchEnableText                 bool   `mapstructure:"SEARCH_ENABLE_TEXT"`
	SearchEnableContent               bool   `mapstructure:"SEARCH_ENABLE_CONTENT"`
	ReferentialIntegrity              string `mapstructure:"REFERENTIAL_INTEGRITY"`

	// database.* (spec.md §6, beyond the pool-size fields above)
	StatementTimeoutSeconds int `mapstructure:"STATEMENT_TIMEOUT_SECONDS"`
	LockTimeoutSeconds      int `mapstructure:"LOCK_TIMEOUT_SECONDS"`
	IndexingBatchSize       int `mapstructure:"INDEXING_BATCH_SIZE"`
	IndexingBulkThreshold   int `mapstructure:"INDEXING_BULK_THRESHOLD"`

	// workers.* (spec.md §6 and §4.11)
	WorkersEnabled                 bool    `mapstructure:"WORKERS_ENABLED"`
	WorkersEmbedded                bool    `mapstructure:"WORKERS_EMBEDDED"`
	WorkersMaxConcurrentJobs        int     `mapstructure:"WORKERS_MAX_CONCURRENT_JOBS"`
	WorkersPollIntervalSeconds      int     `mapstructure:"WORKERS_POLL_INTERVAL_SECONDS"`
	WorkersReconnectInitialSeconds  int     `mapstructure:"WORKERS_RECONNECT_INITIAL_SECONDS"`
	WorkersReconnectMaxSeconds      int     `mapstructure:"WORKERS_RECONNECT_MAX_SECONDS"`
	WorkersReconnectJitterRatio     float64 `mapstructure:"WORKERS_RECONNECT_JITTER_RATIO"`

	// ui.* (spec.md §6, admin surface)
	UIPassword               string `mapstructure:"UI_PASSWORD"`
	UISessionSecret          string `mapstructure:"UI_SESSION_SECRET"`
	UISessionTTLSeconds      int    `mapstructure:"UI_SESSION_TTL_SECONDS"`
	UIRuntimeConfigEnabled   bool   `mapstructure:"UI_RUNTIME_CONFIG_ENABLED"`

	// logging.* (spec.md §6)
	AuditEnabled             bool `mapstructure:"LOGGING_AUDIT_ENABLED"`
	AuditInteractionsCRUD    bool `mapstructure:"LOGGING_AUDIT_INTERACTIONS_CRUD"`
	AuditInteractionsSearch  bool `mapstructure:"LOGGING_AUDIT_INTERACTIONS_SEARCH"`
	AuditInteractionsAdmin   bool `mapstructure:"LOGGING_AUDIT_INTERACTIONS_ADMIN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_BODY_LIMIT", "2M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "20M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)

	v.SetDefault("FHIR_VERSION", "4.0.1")
	v.SetDefault("INTERACTIONS_COMPARTMENT_SEARCH", true)
	v.SetDefault("INTERACTIONS_BATCH_CREATE", true)
	v.SetDefault("INTERACTIONS_BATCH_UPDATE", true)
	v.SetDefault("INTERACTIONS_BATCH_DELETE", true)
	v.SetDefault("INTERACTIONS_TRANSACTION_CREATE", true)
	v.SetDefault("INTERACTIONS_TRANSACTION_UPDATE", true)
	v.SetDefault("INTERACTIONS_TRANSACTION_DELETE", true)
	v.SetDefault("SEARCH_ENABLE_TEXT", true)
	v.SetDefault("SEARCH_ENABLE_CONTENT", false)
	v.SetDefault("REFERENTIAL_INTEGRITY", "strict")

	v.SetDefault("STATEMENT_TIMEOUT_SECONDS", 30)
	v.SetDefault("LOCK_TIMEOUT_SECONDS", 10)
	v.SetDefault("INDEXING_BATCH_SIZE", 500)
	v.SetDefault("INDEXING_BULK_THRESHOLD", 5000)

	v.SetDefault("WORKERS_ENABLED", true)
	v.SetDefault("WORKERS_EMBEDDED", true)
	v.SetDefault("WORKERS_MAX_CONCURRENT_JOBS", 4)
	v.SetDefault("WORKERS_POLL_INTERVAL_SECONDS", 5)
	v.SetDefault("WORKERS_RECONNECT_INITIAL_SECONDS", 1)
	v.SetDefault("WORKERS_RECONNECT_MAX_SECONDS", 30)
	v.SetDefault("WORKERS_RECONNECT_JITTER_RATIO", 0.2)

	v.SetDefault("UI_SESSION_TTL_SECONDS", 3600)
	v.SetDefault("UI_RUNTIME_CONFIG_ENABLED", true)

	v.SetDefault("LOGGING_AUDIT_ENABLED", true)
	v.SetDefault("LOGGING_AUDIT_INTERACTIONS_CRUD", true)
	v.SetDefault("LOGGING_AUDIT_INTERACTIONS_SEARCH", false)
	v.SetDefault("LOGGING_AUDIT_INTERACTIONS_ADMIN", true)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("HIPAA_ENCRYPTION_KEY")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")
	v.BindEnv("REQUEST_BODY_LIMIT")
	v.BindEnv("BUNDLE_BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("FHIR_VERSION")
	v.BindEnv("INTERACTIONS_COMPARTMENT_SEARCH")
	v.BindEnv("INTERACTIONS_BATCH_CREATE")
	v.BindEnv("INTERACTIONS_BATCH_UPDATE")
	v.BindEnv("INTERACTIONS_BATCH_DELETE")
	v.BindEnv("INTERACTIONS_TRANSACTION_CREATE")
	v.BindEnv("INTERACTIONS_TRANSACTION_UPDATE")
	v.BindEnv("INTERACTIONS_TRANSACTION_DELETE")
	v.BindEnv("SEARCH_ENABLE_TEXT")
	v.BindEnv("SEARCH_ENABLE_CONTENT")
	v.BindEnv("REFERENTIAL_INTEGRITY")
	v.BindEnv("STATEMENT_TIMEOUT_SECONDS")
	v.BindEnv("LOCK_TIMEOUT_SECONDS")
	v.BindEnv("INDEXING_BATCH_SIZE")
	v.BindEnv("INDEXING_BULK_THRESHOLD")
	v.BindEnv("WORKERS_ENABLED")
	v.BindEnv("WORKERS_EMBEDDED")
	v.BindEnv("WORKERS_MAX_CONCURRENT_JOBS")
	v.BindEnv("WORKERS_POLL_INTERVAL_SECONDS")
	v.BindEnv("WORKERS_RECONNECT_INITIAL_SECONDS")
	v.BindEnv("WORKERS_RECONNECT_MAX_SECONDS")
	v.BindEnv("WORKERS_RECONNECT_JITTER_RATIO")
	v.BindEnv("UI_PASSWORD")
	v.BindEnv("UI_SESSION_SECRET")
	v.BindEnv("UI_SESSION_TTL_SECONDS")
	v.BindEnv("UI_RUNTIME_CONFIG_ENABLED")
	v.BindEnv("LOGGING_AUDIT_ENABLED")
	v.BindEnv("LOGGING_AUDIT_INTERACTIONS_CRUD")
	v.BindEnv("LOGGING_AUDIT_INTERACTIONS_SEARCH")
	v.BindEnv("LOGGING_AUDIT_INTERACTIONS_ADMIN")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Logs are written in human-readable console format.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "standalone" (no external issuer)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// Validate checks that the configuration is safe to run. AUTH_ISSUER must be
// set when the resolved auth mode is "external"; development and standalone
// modes run without it. In production, HIPAA_ENCRYPTION_KEY is required and must be a valid
// 64-character hex string (32 bytes when decoded).
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration. "+
				"Use AUTH_MODE=standalone to run without an external issuer", c.Env)
	}
	if mode != "development" && mode != "standalone" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	if c.ReferentialIntegrity != "" && c.ReferentialIntegrity != "lenient" && c.ReferentialIntegrity != "strict" {
		return fmt.Errorf("REFERENTIAL_INTEGRITY must be \"lenient\" or \"strict\", got %q", c.ReferentialIntegrity)
	}

	return nil
}
