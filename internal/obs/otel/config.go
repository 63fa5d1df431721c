package otel

import "time"

// Config holds the configuration for the OTel meter setup.
type Config struct {
	// Enabled enables or disables metric tracking
	Enabled bool

	// ExportInterval is the time between exports. Default: 10s
	ExportInterval time.Duration

	// ExportTimeout is the timeout for each export. Default: 30s
	ExportTimeout time.Duration

	// SQLiteEnabled persists usage aggregates to the local database
	SQLiteEnabled bool

	// StdoutEnabled dumps metrics to stdout, useful with debug mode
	StdoutEnabled bool

	// OTLPEndpoint is an optional OTLP endpoint for an external
	// observability backend
	OTLPEndpoint string

	// OTLPProtocol selects the OTLP transport, "http" or "grpc".
	// Empty means "http".
	OTLPProtocol string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		ExportInterval: 10 * time.Second,
		ExportTimeout:  30 * time.Second,
		SQLiteEnabled:  true,
	}
}
