// Package am holds the measurely engine configuration.
package am

// Config represents the core measurely configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures the scheduler and worker pool
type EngineConfig struct {
	Workers               int `mapstructure:"workers"`                 // Number of concurrent execution workers (default: 4)
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // How often to scan for due integrations (default: 1)

	// Hard deadline for a single templated execution call. Distinct from
	// transport-level timeouts: elapsing it records TimedOut.
	ExecutionTimeoutSeconds int `mapstructure:"execution_timeout_seconds"` // default: 120

	// At-least-once delivery budget per work item before dead-lettering.
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts"` // default: 3

	// Lease window for a claimed work item. Items whose lease expired are
	// treated as orphaned and re-queued on startup.
	LeaseSeconds int `mapstructure:"lease_seconds"` // default: 300

	// Backend call rate limit (requests per minute). 0 disables the gate.
	BackendRequestsPerMinute int `mapstructure:"backend_requests_per_minute"`

	// Execution history retention for cleanup (days). 0 disables cleanup.
	RetentionDays int `mapstructure:"retention_days"`
}

// BackendConfig configures the tool-using execution backend
type BackendConfig struct {
	BaseURL        string   `mapstructure:"base_url"`    // e.g. "https://api.anthropic.com/v1"
	APIKey         string   `mapstructure:"api_key"`     // Backend API key (env: MEASURELY_BACKEND_API_KEY)
	Model          string   `mapstructure:"model"`       // Model identifier
	Temperature    *float64 `mapstructure:"temperature"` // Sampling temperature (nil = default 0.0)
	MaxTokens      *int     `mapstructure:"max_tokens"`  // Maximum tokens per request (nil = default 1024)
	AllowPrivateIP bool     `mapstructure:"allow_private_ip"` // Permit local inference endpoints
}

// NotifyConfig configures failure notification delivery
type NotifyConfig struct {
	// Consecutive terminal failures before a consecutive_failures alert.
	EscalationThreshold int `mapstructure:"escalation_threshold"` // default: 3
}
