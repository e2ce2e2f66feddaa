// Package config loads application configuration from environment variables.
// All settings use the OPSDECK_ prefix; LoadConfig applies defaults and
// validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opsdeck/opsdeck/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Gateway       GatewayConfig
	Identity      IdentityConfig
	Directory     DirectoryConfig
	Relay         RelayConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes)
	HealthPort string

	AllowedOrigins []string
}

// GatewayConfig holds authorization gateway configuration
type GatewayConfig struct {
	// ServerSecret is the machine-to-machine bypass token.
	ServerSecret string
	// SessionKey is the 32-byte session codec key, hex encoded.
	SessionKey string
	// AllowedUnits is the global unit allow-list; empty disables the check.
	AllowedUnits []string
}

// IdentityConfig holds identity provider client configuration
type IdentityConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// DirectoryConfig holds unit directory configuration
type DirectoryConfig struct {
	// Backend selects the unit store: "file" or "postgres".
	Backend string
	// RosterPath is the YAML roster path for the file backend.
	RosterPath string
	// PostgresURL is the DSN for the postgres backend.
	PostgresURL string

	// RedisURL enables the read-through snapshot cache when non-empty.
	RedisURL      string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// ReconcileSchedule is the cron spec for the periodic based-on
	// membership sweep; empty disables it.
	ReconcileSchedule string
}

// RelayConfig holds log relay configuration
type RelayConfig struct {
	// UpstreamURLs is the fixed list of log-producing websocket endpoints.
	UpstreamURLs []string
	// HeartbeatInterval is the liveness sweep period.
	HeartbeatInterval time.Duration
	// AdminRoles are the roles admitted to the log stream.
	AdminRoles []string
	// LogViewerUnit is the reserved unit ID required for log viewers.
	LogViewerUnit string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("OPSDECK_HOST", "0.0.0.0"),
			Port:            getEnv("OPSDECK_PORT", "8080"),
			ReadTimeout:     getEnvDuration("OPSDECK_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("OPSDECK_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("OPSDECK_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("OPSDECK_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("OPSDECK_HEALTH_PORT", "9090"),
			AllowedOrigins:  getEnvList("OPSDECK_ALLOWED_ORIGINS", []string{"*"}),
		},
		Gateway: GatewayConfig{
			ServerSecret: getEnv("OPSDECK_SERVER_SECRET", ""),
			SessionKey:   getEnv("OPSDECK_SESSION_KEY", ""),
			AllowedUnits: getEnvList("OPSDECK_ALLOWED_UNITS", nil),
		},
		Identity: IdentityConfig{
			IssuerURL:    getEnv("OPSDECK_OIDC_ISSUER", ""),
			ClientID:     getEnv("OPSDECK_OIDC_CLIENT_ID", ""),
			ClientSecret: getEnv("OPSDECK_OIDC_CLIENT_SECRET", ""),
			Scopes:       getEnvList("OPSDECK_OIDC_SCOPES", nil),
		},
		Directory: DirectoryConfig{
			Backend:           getEnv("OPSDECK_DIRECTORY_BACKEND", "file"),
			RosterPath:        getEnv("OPSDECK_UNIT_ROSTER", "units.yaml"),
			PostgresURL:       getEnv("OPSDECK_POSTGRES_URL", ""),
			RedisURL:          getEnv("OPSDECK_REDIS_URL", ""),
			RedisPassword:     getEnv("OPSDECK_REDIS_PASSWORD", ""),
			RedisDB:           getEnvInt("OPSDECK_REDIS_DB", 0),
			CacheTTL:          getEnvDuration("OPSDECK_UNIT_CACHE_TTL", 30*time.Second),
			ReconcileSchedule: getEnv("OPSDECK_RECONCILE_SCHEDULE", ""),
		},
		Relay: RelayConfig{
			UpstreamURLs:      getEnvList("OPSDECK_LOG_UPSTREAMS", nil),
			HeartbeatInterval: getEnvDuration("OPSDECK_HEARTBEAT_INTERVAL", 5*time.Second),
			AdminRoles:        getEnvList("OPSDECK_ADMIN_ROLES", []string{"admin"}),
			LogViewerUnit:     getEnv("OPSDECK_LOG_VIEWER_UNIT", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("OPSDECK_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("OPSDECK_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("OPSDECK_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("OPSDECK_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("OPSDECK_OTEL_SERVICE_NAME", "opsdeck"),
			OTelServiceVersion: getEnv("OPSDECK_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("OPSDECK_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Gateway.ServerSecret == "" {
		return fmt.Errorf("server secret is required")
	}
	if c.Gateway.SessionKey == "" {
		return fmt.Errorf("session key is required")
	}

	switch c.Directory.Backend {
	case "file":
		if c.Directory.RosterPath == "" {
			return fmt.Errorf("unit roster path is required for file directory")
		}
	case "postgres":
		if c.Directory.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres directory")
		}
	default:
		return fmt.Errorf("invalid directory backend: %s (must be file or postgres)", c.Directory.Backend)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice,
// trimming whitespace and dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
