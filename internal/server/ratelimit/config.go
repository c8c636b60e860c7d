package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	Backend         string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	KeyPrefix       string
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	Whitelist       map[string]bool
	Blacklist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// LoadConfig loads rate limiting configuration from environment variables.
// The redis backend is selected when RATE_LIMIT_BACKEND=redis or, by default,
// whenever REDIS_ADDR is set.
func LoadConfig() *Config {
	if !getEnvBool("RATE_LIMIT_ENABLED", true) {
		return &Config{Enabled: false}
	}

	redisAddr := getEnvString("REDIS_ADDR", "")
	backend := BackendMemory
	if redisAddr != "" {
		backend = BackendRedis
	}
	backend = strings.ToLower(getEnvString("RATE_LIMIT_BACKEND", backend))

	return &Config{
		Enabled:         true,
		Backend:         backend,
		RedisAddr:       redisAddr,
		RedisPassword:   getEnvString("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		KeyPrefix:       getEnvString("RATE_LIMIT_KEY_PREFIX", "recipe-agent:rl:"),
		DefaultLimit:    getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 600),
		DefaultWindow:   getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		Whitelist:       parseIPList(getEnvString("RATE_LIMIT_WHITELIST", "")),
		Blacklist:       parseIPList(getEnvString("RATE_LIMIT_BLACKLIST", "")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Creation spends credit and fans out to the stage services.
		{Path: "/recipes", Method: "POST", Limit: 30, Window: time.Hour, Burst: 5},
		{Path: "/recipes/", Method: "DELETE", Limit: 60, Window: time.Minute, Burst: 10},
		// Streams hold a connection open; keep reconnect storms in check.
		{Path: "/recipes/", Method: "GET", Limit: 300, Window: time.Minute, Burst: 60},
	}
}

func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses into a set.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for ip := range strings.SplitSeq(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
