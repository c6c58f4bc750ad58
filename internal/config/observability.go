package config

// ObservabilityConfig holds OpenTelemetry tracing configuration.
//
// Tracing exports spans over OTLP/HTTP to a local collector or agent.
// See internal/observability for the tracer setup; an empty endpoint
// disables tracing entirely.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP/HTTP collector endpoint, e.g. "localhost:4318".
	// Empty disables tracing.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name on exported spans (default: docpipe)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
