// Package observability provides optional OpenTelemetry metrics export
// for the realtime channel manager. Disabled by default; the manager
// runs fine with no telemetry wired at all.
package observability

// Config holds telemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string

	// OTLP gRPC endpoint (for the otlp exporter)
	Endpoint string

	// Service name attached to exported metrics
	ServiceName string
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:    "none",
		Endpoint:    "localhost:4317",
		ServiceName: "rtmux",
	}
}

// ShouldEnable returns true if telemetry should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != "none"
}
