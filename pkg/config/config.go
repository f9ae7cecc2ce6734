// Package config loads kernel configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds the tunables of a kernel instance.
type Config struct {
	LogLevel          string
	AuditPath         string // "-" writes the audit stream to stdout
	GrantTTLSeconds   int
	RiskWindowSeconds int
	RiskMaxAggregate  float64
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	logLevel := os.Getenv("KEEL_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	auditPath := os.Getenv("KEEL_AUDIT_PATH")
	if auditPath == "" {
		auditPath = "-"
	}

	return &Config{
		LogLevel:          logLevel,
		AuditPath:         auditPath,
		GrantTTLSeconds:   envInt("KEEL_GRANT_TTL_SECONDS", 24*60*60),
		RiskWindowSeconds: envInt("KEEL_RISK_WINDOW_SECONDS", 60*60),
		RiskMaxAggregate:  envFloat("KEEL_RISK_MAX_AGGREGATE", 100),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
