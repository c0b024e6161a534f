// Package config holds the bridge's environment-driven configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an environment variable as an integer with a default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvBool gets an environment variable as a boolean with a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Config holds every tunable the bridge needs at startup. All fields have
// defaults matching spec.md so the bridge runs with zero configuration.
type Config struct {
	// Loopback ports for the four endpoints (spec.md §4.1).
	CDPPort    int
	NativePort int
	AgentPort  int

	// Browser discovery.
	ChromeAddr string // host:port Chrome's HTTP/WS debugger listens on

	// Agent Link liveness and reconnect (spec.md §4.2).
	AgentPingInterval   time.Duration
	AgentPongTimeout    time.Duration
	AgentBackoffBase    time.Duration
	AgentBackoffCap     time.Duration
	AgentBackoffMaxAttp int

	// Browser Link retry (spec.md §4.3).
	BrowserRetryInterval time.Duration

	// Observability (spec.md §4.9).
	RingCapacity      int
	StructuredLogging bool

	// External wake-up (spec.md §4.9, SPEC_FULL.md §2).
	RedisAddr      string
	RedisPassword  string
	WakeupChannel  string
	WakeupKey      string
	RedisEnabled   bool
}

// FromEnv builds a Config from the process environment, falling back to
// spec.md's defaults for anything unset.
func FromEnv() *Config {
	redisAddr := GetEnv("BROP_REDIS_ADDR", "")
	return &Config{
		CDPPort:    GetEnvInt("BROP_CDP_PORT", 9223),
		NativePort: GetEnvInt("BROP_NATIVE_PORT", 9224),
		AgentPort:  GetEnvInt("BROP_AGENT_PORT", 9225),

		ChromeAddr: GetEnv("BROP_CHROME_ADDR", "127.0.0.1:9222"),

		AgentPingInterval:   time.Duration(GetEnvInt("BROP_AGENT_PING_MS", 5000)) * time.Millisecond,
		AgentPongTimeout:    time.Duration(GetEnvInt("BROP_AGENT_PONG_TIMEOUT_MS", 15000)) * time.Millisecond,
		AgentBackoffBase:    time.Duration(GetEnvInt("BROP_AGENT_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		AgentBackoffCap:     time.Duration(GetEnvInt("BROP_AGENT_BACKOFF_CAP_MS", 30000)) * time.Millisecond,
		AgentBackoffMaxAttp: GetEnvInt("BROP_AGENT_BACKOFF_MAX_ATTEMPTS", 10),

		BrowserRetryInterval: time.Duration(GetEnvInt("BROP_BROWSER_RETRY_MS", 10000)) * time.Millisecond,

		RingCapacity:      GetEnvInt("BROP_LOG_RING_CAPACITY", 1000),
		StructuredLogging: GetEnvBool("BROP_STRUCTURED_LOGGING", true),

		RedisAddr:     redisAddr,
		RedisPassword: GetEnv("BROP_REDIS_PASSWORD", ""),
		WakeupChannel: GetEnv("BROP_WAKEUP_CHANNEL", "brop:wakeup"),
		WakeupKey:     GetEnv("BROP_WAKEUP_KEY", "brop:wakeup:sentinel"),
		RedisEnabled:  redisAddr != "",
	}
}
