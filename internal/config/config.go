// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, dispatch pools, rate
// limiting windows, coordination leases, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-event-router")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DispatchConfig tunes the execution engine.
type DispatchConfig struct {
	FanoutWorkers  int           // parallel-mode pool size
	IngestWorkers  int           // batch ingestion pool size
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // doubled per retry
	DefaultTimeout time.Duration // per-dispatch timeout when the command sets none
	ContainerURL   string        // base URL of the co-located module RPC surface
	ServerlessURL  string        // serverless gateway base URL
	Namespace      string        // serverless function namespace
}

// CoordinationConfig tunes the claim/lease protocol.
type CoordinationConfig struct {
	Lease          time.Duration // claim validity between checkins
	Grace          time.Duration // slack past lease expiry before reclaim
	MaxClaims      int           // per-container claim cap
	ErrorThreshold int           // failures before a claim is force-released
	SweepEvery     time.Duration // reclaim loop interval
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

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath       string        // SQLite path
	CacheTTL     time.Duration // command/permission cache entry TTL
	SessionTTL   time.Duration // session correlator expiry
	ReceiptTTL   time.Duration // ingest dedupe receipt validity
	MaxBatch     int           // max envelopes per batch ingest call
	DefaultLimit int           // window limit for commands without one

	// Sliding-window rate limiting (dispatch gate)
	RateWindow time.Duration // window length
	RateSweep  time.Duration // window sweep interval

	// HTTP edge rate limiting (token bucket per client)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	Dispatch     DispatchConfig
	Coordination CoordinationConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:       getenv("DB_PATH", "router.db"),
		CacheTTL:     getdur("CACHE_TTL", 5*time.Minute),
		SessionTTL:   getdur("SESSION_TTL", 5*time.Minute),
		ReceiptTTL:   getdur("RECEIPT_TTL", time.Hour),
		MaxBatch:     getint("MAX_BATCH", 100),
		DefaultLimit: getint("DEFAULT_RATE_LIMIT", 30),

		// Sliding-window limiter
		RateWindow: getdur("RATE_WINDOW", time.Minute),
		RateSweep:  getdur("RATE_SWEEP", time.Minute),

		// Edge limiter
		RateRPS:   getfloat("RATE_RPS", 50.0),
		RateBurst: getint("RATE_BURST", 100),

		Dispatch: DispatchConfig{
			FanoutWorkers:  getint("DISPATCH_FANOUT_WORKERS", 8),
			IngestWorkers:  getint("INGEST_WORKERS", 8),
			MaxRetries:     getint("DISPATCH_MAX_RETRIES", 2),
			InitialBackoff: getdur("DISPATCH_BACKOFF", 250*time.Millisecond),
			DefaultTimeout: getdur("DISPATCH_TIMEOUT", 10*time.Second),
			ContainerURL:   getenv("CONTAINER_RPC_URL", "http://127.0.0.1:9090"),
			ServerlessURL:  getenv("SERVERLESS_GATEWAY_URL", "http://127.0.0.1:8081"),
			Namespace:      getenv("SERVERLESS_NAMESPACE", ""),
		},

		Coordination: CoordinationConfig{
			Lease:          getdur("CLAIM_LEASE", time.Minute),
			Grace:          getdur("CLAIM_GRACE", 30*time.Second),
			MaxClaims:      getint("CLAIM_MAX_PER_CONTAINER", 50),
			ErrorThreshold: getint("CLAIM_ERROR_THRESHOLD", 5),
			SweepEvery:     getdur("CLAIM_SWEEP_EVERY", 30*time.Second),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-event-router"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.CacheTTL <= 0 || cfg.SessionTTL <= 0 || cfg.ReceiptTTL <= 0 {
		return cfg, errors.New("CACHE_TTL, SESSION_TTL, and RECEIPT_TTL must be > 0")
	}
	if cfg.MaxBatch < 1 {
		return cfg, errors.New("MAX_BATCH must be >= 1")
	}
	if cfg.DefaultLimit < 1 {
		return cfg, errors.New("DEFAULT_RATE_LIMIT must be >= 1")
	}
	if cfg.RateWindow <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Dispatch.FanoutWorkers < 1 || cfg.Dispatch.IngestWorkers < 1 {
		return cfg, errors.New("dispatch worker pools must be >= 1")
	}
	if cfg.Dispatch.MaxRetries < 0 {
		return cfg, errors.New("DISPATCH_MAX_RETRIES must be >= 0")
	}
	if cfg.Coordination.Lease <= 0 || cfg.Coordination.Grace < 0 {
		return cfg, errors.New("CLAIM_LEASE must be > 0 and CLAIM_GRACE >= 0")
	}
	if cfg.Coordination.MaxClaims < 1 {
		return cfg, errors.New("CLAIM_MAX_PER_CONTAINER must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
