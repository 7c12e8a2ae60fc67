// Package config provides application configuration loaded from environment
// variables with defaults and validation. Config covers the reconciler server
// (timeouts, logging, canonical database, auth, rate limiting, observability);
// SyncConfig covers a device running the sync engine.
package config

import (
	"errors"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pos-reconciler")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Canonical store
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Auth
	JWTSecret string // HS256 secret; empty enables header-only dev mode
	JWTIssuer string // expected "iss"; empty skips the check

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL   time.Duration // how long a given Idempotency-Key is valid
	IdempotencyPurge time.Duration // sweep interval for expired keys; 0 disables

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Canonical store
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "reconciler.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Auth
		JWTSecret: getenv("JWT_SECRET", ""),
		JWTIssuer: getenv("JWT_ISSUER", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		// Must outlive the longest offline stretch of a device.
		IdempotencyTTL:   getdur("IDEMPOTENCY_TTL", 7*24*time.Hour),
		IdempotencyPurge: getdur("IDEMPOTENCY_PURGE_INTERVAL", time.Hour),

		// Observability (OpenTelemetry)
		OTEL: loadOTEL("pos-reconciler"),
	}

	// --- normalization ---
	cfg.LogLevel = normalizeLevel(cfg.LogLevel)
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" {
		cfg.DBDriver = "postgres"
	}

	// --- validation ---
	if err := validateLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.IdempotencyPurge < 0 {
		return cfg, errors.New("IDEMPOTENCY_PURGE_INTERVAL must be >= 0")
	}
	if err := cfg.OTEL.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// SyncConfig configures a device running the sync engine.
type SyncConfig struct {
	LogLevel  string
	LogPretty bool

	LocalDBPath string // SYNC_LOCAL_DB_PATH
	RemoteURL   string // SYNC_REMOTE_URL, server origin
	APIBasePath string // API_BASE_PATH on the server
	TenantID    string // SYNC_TENANT_ID
	DeviceID    string // SYNC_DEVICE_ID

	// JWTSecret lets a device mint its own tokens in single-site setups.
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	MaxRetries       int           // SYNC_MAX_RETRIES
	CommitTimeout    time.Duration // SYNC_COMMIT_TIMEOUT
	DrainDebounce    time.Duration // SYNC_DRAIN_DEBOUNCE
	PollInterval     time.Duration // SYNC_POLL_INTERVAL
	PingInterval     time.Duration // SYNC_PING_INTERVAL
	DrainParallelism int           // SYNC_DRAIN_PARALLELISM
	ConflictPolicy   string        // SYNC_CONFLICT_POLICY

	OTEL OTELConfig
}

// LoadSync reads the device configuration from environment variables.
func LoadSync() (SyncConfig, error) {
	cfg := SyncConfig{
		LogLevel:  normalizeLevel(strings.ToLower(getenv("LOG_LEVEL", "info"))),
		LogPretty: getbool("LOG_PRETTY", false),

		LocalDBPath: getenv("SYNC_LOCAL_DB_PATH", "pos-local.db"),
		RemoteURL:   strings.TrimRight(getenv("SYNC_REMOTE_URL", "http://localhost:8080"), "/"),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		TenantID:    strings.TrimSpace(getenv("SYNC_TENANT_ID", "")),
		DeviceID:    strings.TrimSpace(getenv("SYNC_DEVICE_ID", "")),

		JWTSecret: getenv("JWT_SECRET", ""),
		JWTIssuer: getenv("JWT_ISSUER", ""),
		TokenTTL:  getdur("SYNC_TOKEN_TTL", time.Hour),

		MaxRetries:       getint("SYNC_MAX_RETRIES", 5),
		CommitTimeout:    getdur("SYNC_COMMIT_TIMEOUT", 10*time.Second),
		DrainDebounce:    getdur("SYNC_DRAIN_DEBOUNCE", 2*time.Second),
		PollInterval:     getdur("SYNC_POLL_INTERVAL", 15*time.Second),
		PingInterval:     getdur("SYNC_PING_INTERVAL", 5*time.Second),
		DrainParallelism: getint("SYNC_DRAIN_PARALLELISM", 4),
		ConflictPolicy:   strings.ToLower(getenv("SYNC_CONFLICT_POLICY", "last_writer_wins")),

		OTEL: loadOTEL("pos-sync-client"),
	}

	if err := validateLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.LocalDBPath) == "" {
		return cfg, errors.New("SYNC_LOCAL_DB_PATH must not be empty")
	}
	if cfg.TenantID == "" {
		return cfg, errors.New("SYNC_TENANT_ID must not be empty")
	}
	if cfg.MaxRetries < 1 {
		return cfg, errors.New("SYNC_MAX_RETRIES must be >= 1")
	}
	if cfg.CommitTimeout <= 0 || cfg.PollInterval <= 0 || cfg.PingInterval <= 0 {
		return cfg, errors.New("SYNC_COMMIT_TIMEOUT, SYNC_POLL_INTERVAL and SYNC_PING_INTERVAL must be positive")
	}
	if cfg.DrainDebounce < 0 {
		return cfg, errors.New("SYNC_DRAIN_DEBOUNCE must be >= 0")
	}
	if cfg.DrainParallelism < 1 {
		return cfg, errors.New("SYNC_DRAIN_PARALLELISM must be >= 1")
	}
	if err := cfg.OTEL.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadOTEL(service string) OTELConfig {
	return OTELConfig{
		Enabled:     getbool("OTEL_ENABLED", false),
		Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName: getenv("OTEL_SERVICE_NAME", service),
		SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}
}

func (o OTELConfig) validate() error {
	if o.SampleRatio < 0 || o.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

func normalizeLevel(l string) string {
	if l == "warning" {
		return "warn"
	}
	return l
}

func validateLevel(l string) error {
	switch l {
	case "debug", "info", "warn", "error", "fatal", "panic":
		return nil
	}
	return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
}
