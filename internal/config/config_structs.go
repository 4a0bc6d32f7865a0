// Package config provides configuration loading and validation from environment variables and command line flags.
package config

import "time"

// Broker kinds accepted by BrokerConfig.Kind
const (
	BrokerMemory   = "memory"
	BrokerRabbitMQ = "rabbitmq"
	BrokerRedis    = "redis"
	BrokerMQTT     = "mqtt"
	BrokerKafka    = "kafka"
)

// Config holds the complete configuration
type Config struct {
	Provider ProviderConfig
	Broker   BrokerConfig
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Kafka    KafkaConfig
	Pipeline PipelineConfig
	Metrics  MetricsConfig
}

// ProviderConfig holds the stream provider construction parameters. They are fixed for the
// provider's lifetime.
type ProviderConfig struct {
	Name            string
	QueueCount      int
	QueuePrefix     string
	CacheSize       int    // Batches retained per queue
	Serializer      string // binary or json
	FailureHandler  string // noop or deadletter
	FaultOnError    bool   // noop handler escalates instead of dropping
	DeadLetterQueue string
}

// BrokerConfig selects the broker implementation
type BrokerConfig struct {
	Kind string
}

// RabbitMQConfig holds AMQP 0.9.1 connection settings
type RabbitMQConfig struct {
	URL          string
	Prefetch     int
	DialTimeout  time.Duration
	Heartbeat    time.Duration
	TLSEnabled   bool
	CACert       string
	ClientCert   string
	ClientKey    string
	InsecureSkip bool
	ExternalAuth bool // SASL EXTERNAL with the client certificate
}

// RedisConfig holds Redis Streams settings. Each queue maps to one stream.
type RedisConfig struct {
	Address             string
	Group               string
	Consumer            string
	BatchSize           int
	MaxLen              int64 // Approximate stream trim length, 0 disables trimming
	BlockTimeout        time.Duration
	ClaimIdle           time.Duration
	ConsumerIdleTimeout time.Duration
	CleanupInterval     time.Duration
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PingTimeout         time.Duration
}

// MQTTConfig holds MQTT client configuration
type MQTTConfig struct {
	Broker               string
	ClientID             string
	TopicPrefix          string // Queue topics are TopicPrefix/queue
	QoS                  byte
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	PoolSize             int // Number of publishing connections
	MaxReconnectInterval time.Duration
	SubscribeTimeout     time.Duration
	DisconnectTimeout    uint // Milliseconds for graceful disconnect
	// TLS Configuration
	TLSEnabled      bool
	CACert          string
	ClientCert      string
	ClientKey       string
	InsecureSkip    bool
	UseCertCNPrefix bool // If true, prefix topics with cert CN for ACL constraints
}

// KafkaConfig holds Kafka client settings. Each queue maps to one topic.
type KafkaConfig struct {
	Brokers     []string
	ClientID    string
	GroupPrefix string // Consumer group is GroupPrefix + queue
	DialTimeout time.Duration
}

// PipelineConfig holds receive loop and shutdown settings
type PipelineConfig struct {
	ShutdownTimeout time.Duration
	ErrorBackoff    time.Duration // Backoff before resubscribing a failed queue
	AckTimeout      time.Duration // Timeout for broker acknowledgments
	ErrorBuffer     int           // Capacity of the adapter error channel
	PollInterval    time.Duration // Reader poll interval when a cursor is caught up
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Address string // Empty disables the endpoint
}
