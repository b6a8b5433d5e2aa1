package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the CCOS control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Sandbox   SandboxConfig
}

type DatabaseConfig struct {
	URL             string
	MaxConnections  int
	MigrationsPath  string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// For OSS: simple API key validation
	APIKeyHeader string
	// For Enterprise: OIDC/SAML configuration
	OIDCIssuer   string
	OIDCAudience string
}

// SandboxConfig configures the bubblewrap executor and capability storage
// used by the resolver's synthesis stages.
type SandboxConfig struct {
	BwrapPath         string
	CapabilityStorage string
	BypassHighRisk    bool
	QuarantineTTL     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("CCOS_PORT", 8080),
		Version: envStr("CCOS_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("CCOS_DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			MigrationsPath: envStr("DATABASE_MIGRATIONS_PATH", "internal/db/migrations"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "ccos-control-plane"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
			OIDCIssuer:   envStr("AUTH_OIDC_ISSUER", ""),
			OIDCAudience: envStr("AUTH_OIDC_AUDIENCE", ""),
		},
		Sandbox: SandboxConfig{
			BwrapPath:         envStr("CCOS_BWRAP_PATH", "bwrap"),
			CapabilityStorage: envStr("CCOS_CAPABILITY_STORAGE", "./data/capabilities"),
			BypassHighRisk:    envBool("CCOS_BYPASS_HIGH_RISK", false),
			QuarantineTTL:     time.Duration(envInt("CCOS_QUARANTINE_TTL_SECONDS", 900)) * time.Second,
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
