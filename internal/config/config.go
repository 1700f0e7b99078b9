package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the sync engine.
// It follows the 12-factor app methodology by prioritizing environment variables.
type Config struct {
	Environment string
	DataDir     string
	Relays      []string
	ScopeTag    string

	PublicKey  string
	PrivateKey string

	MetricsAddr string

	PollInterval  time.Duration
	QueryTimeout  time.Duration
	ReconnectWait time.Duration
}

// LoadConfig loads configuration from environment variables.
// Defaults can be set here if needed.
func LoadConfig() (*Config, error) {
	return &Config{
		Environment:   getEnv("APP_ENV", "development"),
		DataDir:       getEnv("DATA_DIR", "./data"),
		Relays:        getEnvAsList("RELAY_URLS", "wss://relay.damus.io,wss://nos.lol"),
		ScopeTag:      getEnv("SCOPE_TAG", ""),
		PublicKey:     getEnv("CHAT_PUBLIC_KEY", ""),
		PrivateKey:    getEnv("CHAT_PRIVATE_KEY", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ""),
		PollInterval:  getEnvAsDuration("POLL_INTERVAL_SECONDS", 30*time.Second),
		QueryTimeout:  getEnvAsDuration("QUERY_TIMEOUT_SECONDS", 10*time.Second),
		ReconnectWait: getEnvAsDuration("RECONNECT_WAIT_SECONDS", 5*time.Second),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil && value > 0 {
		return time.Duration(value) * time.Second
	}
	return fallback
}
