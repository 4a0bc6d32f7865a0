package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return defaultConfig()
}

func TestValidate_Default(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate(default) error = %v; want nil", err)
	}
}

func TestValidate_Provider(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProviderConfig)
		wantErr string
	}{
		{"empty name", func(c *ProviderConfig) { c.Name = "  " }, "provider name"},
		{"zero queues", func(c *ProviderConfig) { c.QueueCount = 0 }, "queue count"},
		{"empty prefix", func(c *ProviderConfig) { c.QueuePrefix = "" }, "queue prefix"},
		{"zero cache", func(c *ProviderConfig) { c.CacheSize = 0 }, "cache size"},
		{"bad serializer", func(c *ProviderConfig) { c.Serializer = "avro" }, "serializer"},
		{"bad handler", func(c *ProviderConfig) { c.FailureHandler = "retry" }, "failure handler"},
		{"deadletter needs queue", func(c *ProviderConfig) { c.FailureHandler = "deadletter" }, "dead letter"},
		{"deadletter ok", func(c *ProviderConfig) {
			c.FailureHandler = "deadletter"
			c.DeadLetterQueue = "dlq"
		}, ""},
		{"json ok", func(c *ProviderConfig) { c.Serializer = "JSON" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Provider)
			checkValidation(t, cfg, tt.wantErr)
		})
	}
}

func TestValidate_Brokers(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown kind", func(c *Config) { c.Broker.Kind = "nats" }, "not supported"},
		{"rabbitmq ok", func(c *Config) { c.Broker.Kind = BrokerRabbitMQ }, ""},
		{"rabbitmq no url", func(c *Config) {
			c.Broker.Kind = BrokerRabbitMQ
			c.RabbitMQ.URL = ""
		}, "rabbitmq url"},
		{"rabbitmq external without cert", func(c *Config) {
			c.Broker.Kind = BrokerRabbitMQ
			c.RabbitMQ.ExternalAuth = true
		}, "external auth"},
		{"redis ok", func(c *Config) { c.Broker.Kind = BrokerRedis }, ""},
		{"redis no group", func(c *Config) {
			c.Broker.Kind = BrokerRedis
			c.Redis.Group = ""
		}, "consumer group"},
		{"redis negative maxlen", func(c *Config) {
			c.Broker.Kind = BrokerRedis
			c.Redis.MaxLen = -1
		}, "max len"},
		{"mqtt ok", func(c *Config) { c.Broker.Kind = BrokerMQTT }, ""},
		{"mqtt qos 0", func(c *Config) {
			c.Broker.Kind = BrokerMQTT
			c.MQTT.QoS = 0
		}, "qos"},
		{"mqtt no pool", func(c *Config) {
			c.Broker.Kind = BrokerMQTT
			c.MQTT.PoolSize = 0
		}, "pool size"},
		{"kafka ok", func(c *Config) { c.Broker.Kind = BrokerKafka }, ""},
		{"kafka no brokers", func(c *Config) {
			c.Broker.Kind = BrokerKafka
			c.Kafka.Brokers = nil
		}, "kafka brokers"},
		{"unselected section ignored", func(c *Config) { c.Redis.Address = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			checkValidation(t, cfg, tt.wantErr)
		})
	}
}

func TestValidate_Pipeline(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr string
	}{
		{"zero backoff", func(c *PipelineConfig) { c.ErrorBackoff = 0 }, "error backoff"},
		{"zero ack timeout", func(c *PipelineConfig) { c.AckTimeout = 0 }, "ack timeout"},
		{"zero error buffer", func(c *PipelineConfig) { c.ErrorBuffer = 0 }, "error buffer"},
		{"zero poll", func(c *PipelineConfig) { c.PollInterval = 0 }, "poll interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Pipeline)
			checkValidation(t, cfg, tt.wantErr)
		})
	}
}

func checkValidation(t *testing.T, cfg *Config, wantErr string) {
	t.Helper()
	err := Validate(cfg)
	if wantErr == "" {
		if err != nil {
			t.Errorf("Validate() error = %v; want nil", err)
		}
		return
	}
	if err == nil {
		t.Fatalf("Validate() error = nil; want error containing %q", wantErr)
	}
	if !strings.Contains(err.Error(), wantErr) {
		t.Errorf("Validate() error = %v; want error containing %q", err, wantErr)
	}
}
