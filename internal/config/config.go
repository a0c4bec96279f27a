// Package config loads runtime configuration from the process environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the runtime reads from the environment.
type Config struct {
	Server      ServerConfig
	Gateway     GatewayConfig
	Sandbox     SandboxConfig
	Storage     StorageConfig
	Observe     ObservabilityConfig
	DefaultModel string

	// Dev enables local-development behavior: direct provider SDK clients
	// instead of the gateway when their API keys are present, an insecure
	// trace exporter, and DEV=true in sandbox claim configs. The direct-URL
	// sandbox is chosen by LOCAL_SANDBOX_URL alone, with or without Dev.
	Dev bool
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// GatewayConfig configures the model gateway and per-family virtual keys.
type GatewayConfig struct {
	BaseURL      string
	APIKey       string
	ConfigID     string
	VirtualKeys  map[string]string
	FallbackKey  string
	AnthropicKey string
	GoogleKey    string
}

// SandboxConfig configures the cloud-sandbox backend.
type SandboxConfig struct {
	DaytonaAPIKey  string
	DaytonaAPIURL  string
	EnvironmentID  string
	ProxyBase      string
	ProxyPort      int
	WarmServiceURL string
	LocalURL       string
	VMAPIKey       string
	MemoryDSN      string
}

// StorageConfig selects the thread store backend. SupabaseURL wins when both
// are set; LocalDBPath falls back to an in-memory store when empty.
type StorageConfig struct {
	SupabaseURL string
	SupabaseKey string
	LocalDBPath string
}

// ObservabilityConfig configures tracing export and metrics.
type ObservabilityConfig struct {
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from the process environment, applying defaults
// for everything optional.
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            envOr("AGENTD_ADDR", ":8000"),
			ShutdownTimeout: envDuration("AGENTD_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Gateway: GatewayConfig{
			BaseURL:     envOr("PORTKEY_BASE_URL", "https://api.portkey.ai/v1"),
			APIKey:      os.Getenv("PORTKEY_API_KEY"),
			ConfigID:    os.Getenv("PORTKEY_CONFIG"),
			FallbackKey: os.Getenv("PORTKEY_VIRTUAL_KEY"),
			VirtualKeys: map[string]string{},
			AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
			GoogleKey:    os.Getenv("GEMINI_API_KEY"),
		},
		Sandbox: SandboxConfig{
			DaytonaAPIKey:  os.Getenv("DAYTONA_API_KEY"),
			DaytonaAPIURL:  envOr("DAYTONA_API_URL", "https://app.daytona.io/api"),
			EnvironmentID:  os.Getenv("SANDBOX_ENVIRONMENT_ID"),
			ProxyBase:      os.Getenv("SANDBOX_PROXY_BASE"),
			ProxyPort:      envInt("SANDBOX_PROXY_PORT", 8081),
			WarmServiceURL: os.Getenv("WARM_SANDBOX_SERVICE_URL"),
			LocalURL:       os.Getenv("LOCAL_SANDBOX_URL"),
			VMAPIKey:       os.Getenv("VM_API_KEY"),
			MemoryDSN:      os.Getenv("MEMORY_DSN"),
		},
		Storage: StorageConfig{
			SupabaseURL: os.Getenv("SUPABASE_URL"),
			SupabaseKey: os.Getenv("SUPABASE_KEY"),
			LocalDBPath: os.Getenv("LOCAL_DB_PATH"),
		},
		Observe: ObservabilityConfig{
			OTLPEndpoint: os.Getenv("OTEL_ENDPOINT"),
			Environment:  envOr("AGENTD_ENVIRONMENT", "development"),
		},
		DefaultModel: envOr("DEFAULT_MODEL", "gpt-4o"),
		Dev:          envBool("DEV"),
	}

	if key := os.Getenv("OPENAI_PK_VIRTUAL_KEY"); key != "" {
		cfg.Gateway.VirtualKeys["openai"] = key
	}
	if key := os.Getenv("ANTHROPIC_PK_VIRTUAL_KEY"); key != "" {
		cfg.Gateway.VirtualKeys["anthropic"] = key
	}
	if key := os.Getenv("GOOGLE_PK_VIRTUAL_KEY"); key != "" {
		cfg.Gateway.VirtualKeys["google"] = key
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
