package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "measurely.db")

	// Engine defaults
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.ticker_interval_seconds", 1)
	v.SetDefault("engine.execution_timeout_seconds", 120)
	v.SetDefault("engine.max_delivery_attempts", 3)
	v.SetDefault("engine.lease_seconds", 300)
	v.SetDefault("engine.backend_requests_per_minute", 0)
	v.SetDefault("engine.retention_days", 90)

	// Backend defaults
	v.SetDefault("backend.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("backend.model", "claude-sonnet-4-20250514")
	v.SetDefault("backend.temperature", 0.0)
	v.SetDefault("backend.max_tokens", 1024)
	v.SetDefault("backend.allow_private_ip", false)

	// Notify defaults
	v.SetDefault("notify.escalation_threshold", 3)
}

// BindSensitiveEnvVars binds secret configuration values to environment
// variables so they never need to live in a config file on disk.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("backend.api_key", "MEASURELY_BACKEND_API_KEY")
	v.BindEnv("credential.master_key", "MEASURELY_MASTER_KEY")
}
