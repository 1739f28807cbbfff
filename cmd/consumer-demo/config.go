package main

import (
	"github.com/microservices-platform/retry-dispatcher/pkg/config"
)

// appConfig is the demo binary's process-level configuration, loaded
// from environment variables.
type appConfig struct {
	ServiceName     string
	Environment     string
	LogLevel        string
	Development     bool
	KafkaBrokers    []string
	RetryConfigFile string
	HTTPPort        int
	MetricsPort     int
	ControlPort     int
	TracingEnabled  bool
	TracingEndpoint string
}

func loadAppConfig() appConfig {
	return appConfig{
		ServiceName:     config.GetEnv("SERVICE_NAME", "retry-dispatcher-demo"),
		Environment:     config.GetEnv("ENVIRONMENT", "development"),
		LogLevel:        config.GetEnv("LOG_LEVEL", "info"),
		Development:     config.GetEnvBool("DEVELOPMENT", true),
		KafkaBrokers:    config.GetEnvStringSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		RetryConfigFile: config.GetEnv("RETRY_CONFIG_FILE", "retry.yaml"),
		HTTPPort:        config.GetEnvInt("HTTP_PORT", 8080),
		MetricsPort:     config.GetEnvInt("METRICS_PORT", 9090),
		ControlPort:     config.GetEnvInt("CONTROL_PORT", 8081),
		TracingEnabled:  config.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: config.GetEnv("TRACING_ENDPOINT", "localhost:4317"),
	}
}
