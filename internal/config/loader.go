package config

import (
	"flag"
	"fmt"
)

// Load loads configuration with precedence: defaults → environment variables → command line flags
// It performs validation and runtime transformations before returning the configuration.
func Load() (*Config, error) {
	if !flag.Parsed() {
		flag.Parse()
	}

	cfg := defaultConfig()

	loadProviderFromEnv(&cfg.Provider)
	loadBrokerFromEnv(&cfg.Broker)
	loadRabbitMQFromEnv(&cfg.RabbitMQ)
	loadRedisFromEnv(&cfg.Redis)
	loadMQTTFromEnv(&cfg.MQTT)
	loadKafkaFromEnv(&cfg.Kafka)
	loadPipelineFromEnv(&cfg.Pipeline)
	loadMetricsFromEnv(&cfg.Metrics)

	cliFlags.applyProvider(&cfg.Provider)
	cliFlags.applyBroker(&cfg.Broker)
	cliFlags.applyRabbitMQ(&cfg.RabbitMQ)
	cliFlags.applyRedis(&cfg.Redis)
	cliFlags.applyMQTT(&cfg.MQTT)
	cliFlags.applyKafka(&cfg.Kafka)
	cliFlags.applyPipeline(&cfg.Pipeline)
	cliFlags.applyMetrics(&cfg.Metrics)

	if err := applyRuntimeValidation(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
