package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration constraints. Only the section of the selected broker is checked.
func Validate(cfg *Config) error {
	if err := validateProvider(&cfg.Provider); err != nil {
		return err
	}
	if err := validateBroker(cfg); err != nil {
		return err
	}
	return validatePipeline(&cfg.Pipeline)
}

func validateProvider(cfg *ProviderConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if cfg.QueueCount < 1 {
		return fmt.Errorf("provider queue count must be positive")
	}
	if cfg.QueuePrefix == "" {
		return fmt.Errorf("provider queue prefix cannot be empty")
	}
	if cfg.CacheSize < 1 {
		return fmt.Errorf("provider cache size must be positive")
	}
	switch strings.ToLower(cfg.Serializer) {
	case "", "binary", "json":
	default:
		return fmt.Errorf("provider serializer %q is not supported", cfg.Serializer)
	}
	switch strings.ToLower(cfg.FailureHandler) {
	case "", "noop":
	case "deadletter":
		if cfg.DeadLetterQueue == "" {
			return fmt.Errorf("provider dead letter queue cannot be empty with the deadletter handler")
		}
	default:
		return fmt.Errorf("provider failure handler %q is not supported", cfg.FailureHandler)
	}
	return nil
}

func validateBroker(cfg *Config) error {
	switch cfg.Broker.Kind {
	case BrokerMemory:
		return nil
	case BrokerRabbitMQ:
		return validateRabbitMQ(&cfg.RabbitMQ)
	case BrokerRedis:
		return validateRedis(&cfg.Redis)
	case BrokerMQTT:
		return validateMQTT(&cfg.MQTT)
	case BrokerKafka:
		return validateKafka(&cfg.Kafka)
	}
	return fmt.Errorf("broker kind %q is not supported", cfg.Broker.Kind)
}

func validateRabbitMQ(cfg *RabbitMQConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("rabbitmq url cannot be empty")
	}
	if cfg.Prefetch < 1 {
		return fmt.Errorf("rabbitmq prefetch must be positive")
	}
	if cfg.ExternalAuth && (cfg.ClientCert == "" || cfg.ClientKey == "") {
		return fmt.Errorf("rabbitmq external auth requires a client certificate and key")
	}
	return nil
}

// validateRedis validates Redis configuration
func validateRedis(cfg *RedisConfig) error {
	if cfg.Address == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if cfg.Group == "" {
		return fmt.Errorf("redis consumer group cannot be empty")
	}
	if cfg.Consumer == "" {
		return fmt.Errorf("redis consumer name cannot be empty")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("redis batch size must be positive")
	}
	if cfg.MaxLen < 0 {
		return fmt.Errorf("redis max len cannot be negative")
	}
	return nil
}

// validateMQTT validates MQTT configuration
func validateMQTT(cfg *MQTTConfig) error {
	if cfg.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("mqtt client ID cannot be empty")
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("mqtt pool size must be positive")
	}
	if cfg.QoS < 1 {
		return fmt.Errorf("mqtt qos must be at least 1 for acknowledged delivery")
	}
	return nil
}

func validateKafka(cfg *KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.GroupPrefix == "" {
		return fmt.Errorf("kafka group prefix cannot be empty")
	}
	return nil
}

// validatePipeline validates Pipeline configuration
func validatePipeline(cfg *PipelineConfig) error {
	if cfg.ErrorBackoff <= 0 {
		return fmt.Errorf("pipeline error backoff must be positive")
	}
	if cfg.AckTimeout <= 0 {
		return fmt.Errorf("pipeline ack timeout must be positive")
	}
	if cfg.ErrorBuffer < 1 {
		return fmt.Errorf("pipeline error buffer must be positive")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("pipeline poll interval must be positive")
	}
	return nil
}
