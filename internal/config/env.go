package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvConfig holds the flat, process-startup settings relaybridge reads
// once from the environment (plus an optional .env file loaded by
// cmd/relaybridge/main.go via godotenv). The richer, hot-reloadable
// settings (accounts, router mappings, compression thresholds, load
// balancer strategy) live in ConfigManager instead.
type EnvConfig struct {
	Port           int
	Env            string
	ProxyAccessKey string

	LogLevel         string
	RequestTimeout   int
	MaxRequestBodyMB int

	EnableCORS bool
	CORSOrigin string

	HealthCheckEnabled bool
	HealthCheckPath    string

	// Log file configuration, wired to internal/logger.
	LogDir        string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool
	LogToConsole  bool

	TrustedProxies []string

	// RuntimeConfigFile is the path to the hot-reloadable JSON document
	// ConfigManager watches (accounts, router mappings, compression
	// thresholds, load balancer strategy).
	RuntimeConfigFile string

	// UsageDBFile is the sqlite path TokenUsageRecorder opens.
	UsageDBFile string

	// Upstream connection settings, wired to internal/upstream.Client and
	// internal/oauthrefresh.Client.
	UpstreamBaseURL               string
	UpstreamRequestTimeoutSeconds int
	OAuthTokenURL                 string
	OAuthClientID                 string
	OAuthScope                    string
}

// NewEnvConfig populates an EnvConfig from the process environment,
// falling back to the documented defaults for anything unset.
func NewEnvConfig() *EnvConfig {
	env := getEnv("ENV", "")
	if env == "" {
		env = getEnv("NODE_ENV", "development")
	}

	return &EnvConfig{
		Port:           getEnvAsInt("PORT", 3000),
		Env:            env,
		ProxyAccessKey: getEnv("PROXY_ACCESS_KEY", "your-proxy-access-key"),

		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RequestTimeout:   getEnvAsInt("REQUEST_TIMEOUT", 300000),
		MaxRequestBodyMB: getEnvAsInt("MAX_REQUEST_BODY_MB", 20),

		EnableCORS: getEnv("ENABLE_CORS", "true") != "false",
		CORSOrigin: getEnv("CORS_ORIGIN", ""),

		HealthCheckEnabled: getEnv("HEALTH_CHECK_ENABLED", "true") != "false",
		HealthCheckPath:    getEnv("HEALTH_CHECK_PATH", "/health"),

		LogDir:        getEnv("LOG_DIR", "logs"),
		LogFile:       getEnv("LOG_FILE", "app.log"),
		LogMaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 10),
		LogMaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnv("LOG_COMPRESS", "true") != "false",
		LogToConsole:  getEnv("LOG_TO_CONSOLE", "true") != "false",

		TrustedProxies: parseCommaSeparated(getEnv("TRUSTED_PROXIES", "")),

		RuntimeConfigFile: getEnv("RUNTIME_CONFIG_FILE", ".config/relaybridge.json"),
		UsageDBFile:       getEnv("USAGE_DB_FILE", ".config/upstream-bridge-usage.db"),

		UpstreamBaseURL:               getEnv("UPSTREAM_BASE_URL", "https://cloudcode-pa.googleapis.com"),
		UpstreamRequestTimeoutSeconds: getEnvAsInt("UPSTREAM_REQUEST_TIMEOUT_SECONDS", 120),
		OAuthTokenURL:                 getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OAuthClientID:                 getEnv("OAUTH_CLIENT_ID", ""),
		OAuthScope:                    getEnv("OAUTH_SCOPE", ""),
	}
}

// IsDevelopment reports whether Env is the development environment.
func (c *EnvConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction reports whether Env is the production environment.
func (c *EnvConfig) IsProduction() bool {
	return c.Env == "production"
}

// ShouldLog reports whether a message at level should be emitted given
// LogLevel's configured floor.
func (c *EnvConfig) ShouldLog(level string) bool {
	levels := map[string]int{"error": 0, "warn": 1, "info": 2, "debug": 3}

	currentLevel, ok := levels[c.LogLevel]
	if !ok {
		currentLevel = 2
	}

	requestLevel, ok := levels[level]
	if !ok {
		return false
	}

	return requestLevel <= currentLevel
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// parseCommaSeparated parses a comma-separated string into a slice of
// trimmed non-empty strings.
func parseCommaSeparated(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
