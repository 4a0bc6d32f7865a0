package config

import (
	"flag"
	"time"
)

// flagValues holds command line flags (they have precedence over environment variables)
type flagValues struct {
	fs *flag.FlagSet

	providerName           *string
	providerQueueCount     *int
	providerQueuePrefix    *string
	providerCacheSize      *int
	providerSerializer     *string
	providerFailureHandler *string
	providerFaultOnError   *bool
	providerDeadLetter     *string

	brokerKind *string

	rabbitURL          *string
	rabbitPrefetch     *int
	rabbitDialTimeout  *time.Duration
	rabbitHeartbeat    *time.Duration
	rabbitTLSEnabled   *bool
	rabbitCACert       *string
	rabbitClientCert   *string
	rabbitClientKey    *string
	rabbitInsecureSkip *bool
	rabbitExternalAuth *bool

	redisAddress         *string
	redisGroup           *string
	redisConsumer        *string
	redisBatchSize       *int
	redisMaxLen          *int64
	redisBlockTimeout    *time.Duration
	redisClaimIdle       *time.Duration
	redisConsumerIdle    *time.Duration
	redisCleanupInterval *time.Duration
	redisDialTimeout     *time.Duration
	redisReadTimeout     *time.Duration
	redisWriteTimeout    *time.Duration
	redisPingTimeout     *time.Duration

	mqttBroker            *string
	mqttClientID          *string
	mqttTopicPrefix       *string
	mqttQoS               *int
	mqttConnectTimeout    *time.Duration
	mqttWriteTimeout      *time.Duration
	mqttPoolSize          *int
	mqttMaxReconnect      *time.Duration
	mqttSubscribeTimeout  *time.Duration
	mqttDisconnectTimeout *int
	mqttTLSEnabled        *bool
	mqttCACert            *string
	mqttClientCert        *string
	mqttClientKey         *string
	mqttInsecureSkip      *bool
	mqttUseCertCNPrefix   *bool

	kafkaBrokers     *string
	kafkaClientID    *string
	kafkaGroupPrefix *string
	kafkaDialTimeout *time.Duration

	pipelineShutdownTimeout *time.Duration
	pipelineErrorBackoff    *time.Duration
	pipelineAckTimeout      *time.Duration
	pipelineErrorBuffer     *int
	pipelinePollInterval    *time.Duration

	metricsAddress *string
}

var cliFlags = registerFlags(flag.CommandLine)

// registerFlags defines every configuration flag on fs
func registerFlags(fs *flag.FlagSet) *flagValues {
	return &flagValues{
		fs: fs,

		providerName:           fs.String("provider-name", "", "Stream provider name"),
		providerQueueCount:     fs.Int("provider-queue-count", 0, "Number of physical queues"),
		providerQueuePrefix:    fs.String("provider-queue-prefix", "", "Queue name prefix"),
		providerCacheSize:      fs.Int("provider-cache-size", 0, "Batches cached per queue"),
		providerSerializer:     fs.String("provider-serializer", "", "Batch serializer (binary, json)"),
		providerFailureHandler: fs.String("provider-failure-handler", "", "Failure handler (noop, deadletter)"),
		providerFaultOnError:   fs.Bool("provider-fault-on-error", false, "Escalate delivery failures in the noop handler"),
		providerDeadLetter:     fs.String("provider-dead-letter-queue", "", "Dead letter queue name"),

		brokerKind: fs.String("broker-kind", "", "Broker (memory, rabbitmq, redis, mqtt, kafka)"),

		rabbitURL:          fs.String("rabbitmq-url", "", "RabbitMQ URL"),
		rabbitPrefetch:     fs.Int("rabbitmq-prefetch", 0, "RabbitMQ consumer prefetch"),
		rabbitDialTimeout:  fs.Duration("rabbitmq-dial-timeout", 0, "RabbitMQ dial timeout"),
		rabbitHeartbeat:    fs.Duration("rabbitmq-heartbeat", 0, "RabbitMQ heartbeat"),
		rabbitTLSEnabled:   fs.Bool("rabbitmq-tls-enabled", false, "Enable RabbitMQ TLS"),
		rabbitCACert:       fs.String("rabbitmq-ca-cert", "", "RabbitMQ CA certificate path"),
		rabbitClientCert:   fs.String("rabbitmq-client-cert", "", "RabbitMQ client certificate path"),
		rabbitClientKey:    fs.String("rabbitmq-client-key", "", "RabbitMQ client key path"),
		rabbitInsecureSkip: fs.Bool("rabbitmq-tls-insecure-skip", false, "Skip RabbitMQ TLS verification"),
		rabbitExternalAuth: fs.Bool("rabbitmq-external-auth", false, "Authenticate with SASL EXTERNAL"),

		redisAddress:         fs.String("redis-address", "", "Redis address"),
		redisGroup:           fs.String("redis-group", "", "Redis consumer group"),
		redisConsumer:        fs.String("redis-consumer", "", "Redis consumer name"),
		redisBatchSize:       fs.Int("redis-batch-size", 0, "Redis read batch size"),
		redisMaxLen:          fs.Int64("redis-max-len", 0, "Approximate Redis stream length cap"),
		redisBlockTimeout:    fs.Duration("redis-block-timeout", 0, "Redis block timeout"),
		redisClaimIdle:       fs.Duration("redis-claim-idle", 0, "Redis claim idle time"),
		redisConsumerIdle:    fs.Duration("redis-consumer-idle-timeout", 0, "Redis consumer idle timeout"),
		redisCleanupInterval: fs.Duration("redis-cleanup-interval", 0, "Redis cleanup interval"),
		redisDialTimeout:     fs.Duration("redis-dial-timeout", 0, "Redis dial timeout"),
		redisReadTimeout:     fs.Duration("redis-read-timeout", 0, "Redis read timeout"),
		redisWriteTimeout:    fs.Duration("redis-write-timeout", 0, "Redis write timeout"),
		redisPingTimeout:     fs.Duration("redis-ping-timeout", 0, "Redis ping timeout"),

		mqttBroker:            fs.String("mqtt-broker", "", "MQTT broker URL"),
		mqttClientID:          fs.String("mqtt-client-id", "", "MQTT client ID"),
		mqttTopicPrefix:       fs.String("mqtt-topic-prefix", "", "MQTT queue topic prefix"),
		mqttQoS:               fs.Int("mqtt-qos", -1, "MQTT QoS (0, 1, or 2)"),
		mqttConnectTimeout:    fs.Duration("mqtt-connect-timeout", 0, "MQTT connect timeout"),
		mqttWriteTimeout:      fs.Duration("mqtt-write-timeout", 0, "MQTT write timeout"),
		mqttPoolSize:          fs.Int("mqtt-pool-size", 0, "MQTT connection pool size"),
		mqttMaxReconnect:      fs.Duration("mqtt-max-reconnect-interval", 0, "MQTT max reconnect interval"),
		mqttSubscribeTimeout:  fs.Duration("mqtt-subscribe-timeout", 0, "MQTT subscribe timeout"),
		mqttDisconnectTimeout: fs.Int("mqtt-disconnect-timeout", 0, "MQTT disconnect timeout (ms)"),
		mqttTLSEnabled:        fs.Bool("mqtt-tls-enabled", false, "Enable MQTT TLS"),
		mqttCACert:            fs.String("mqtt-ca-cert", "", "MQTT CA certificate path"),
		mqttClientCert:        fs.String("mqtt-client-cert", "", "MQTT client certificate path"),
		mqttClientKey:         fs.String("mqtt-client-key", "", "MQTT client key path"),
		mqttInsecureSkip:      fs.Bool("mqtt-tls-insecure-skip", false, "Skip MQTT TLS verification"),
		mqttUseCertCNPrefix:   fs.Bool("mqtt-use-cert-cn-prefix", false, "Prefix topics with client cert CN"),

		kafkaBrokers:     fs.String("kafka-brokers", "", "Comma separated Kafka seed brokers"),
		kafkaClientID:    fs.String("kafka-client-id", "", "Kafka client ID"),
		kafkaGroupPrefix: fs.String("kafka-group-prefix", "", "Kafka consumer group prefix"),
		kafkaDialTimeout: fs.Duration("kafka-dial-timeout", 0, "Kafka dial timeout"),

		pipelineShutdownTimeout: fs.Duration("pipeline-shutdown-timeout", 0, "Shutdown timeout"),
		pipelineErrorBackoff:    fs.Duration("pipeline-error-backoff", 0, "Backoff before resubscribing a queue"),
		pipelineAckTimeout:      fs.Duration("pipeline-ack-timeout", 0, "Broker ACK timeout"),
		pipelineErrorBuffer:     fs.Int("pipeline-error-buffer", 0, "Adapter error channel capacity"),
		pipelinePollInterval:    fs.Duration("pipeline-poll-interval", 0, "Reader poll interval"),

		metricsAddress: fs.String("metrics-address", "", "Prometheus listen address"),
	}
}

// isSet checks if a flag was explicitly set on the command line
func (f *flagValues) isSet(name string) bool {
	found := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

func (f *flagValues) applyProvider(cfg *ProviderConfig) {
	if *f.providerName != "" {
		cfg.Name = *f.providerName
	}
	if *f.providerQueueCount != 0 {
		cfg.QueueCount = *f.providerQueueCount
	}
	if *f.providerQueuePrefix != "" {
		cfg.QueuePrefix = *f.providerQueuePrefix
	}
	if *f.providerCacheSize != 0 {
		cfg.CacheSize = *f.providerCacheSize
	}
	if *f.providerSerializer != "" {
		cfg.Serializer = *f.providerSerializer
	}
	if *f.providerFailureHandler != "" {
		cfg.FailureHandler = *f.providerFailureHandler
	}
	if f.isSet("provider-fault-on-error") {
		cfg.FaultOnError = *f.providerFaultOnError
	}
	if *f.providerDeadLetter != "" {
		cfg.DeadLetterQueue = *f.providerDeadLetter
	}
}

func (f *flagValues) applyBroker(cfg *BrokerConfig) {
	if *f.brokerKind != "" {
		cfg.Kind = *f.brokerKind
	}
}

func (f *flagValues) applyRabbitMQ(cfg *RabbitMQConfig) {
	if *f.rabbitURL != "" {
		cfg.URL = *f.rabbitURL
	}
	if *f.rabbitPrefetch != 0 {
		cfg.Prefetch = *f.rabbitPrefetch
	}
	if *f.rabbitDialTimeout != 0 {
		cfg.DialTimeout = *f.rabbitDialTimeout
	}
	if *f.rabbitHeartbeat != 0 {
		cfg.Heartbeat = *f.rabbitHeartbeat
	}
	if *f.rabbitCACert != "" {
		cfg.CACert = *f.rabbitCACert
	}
	if *f.rabbitClientCert != "" {
		cfg.ClientCert = *f.rabbitClientCert
	}
	if *f.rabbitClientKey != "" {
		cfg.ClientKey = *f.rabbitClientKey
	}
	if f.isSet("rabbitmq-tls-enabled") {
		cfg.TLSEnabled = *f.rabbitTLSEnabled
	}
	if f.isSet("rabbitmq-tls-insecure-skip") {
		cfg.InsecureSkip = *f.rabbitInsecureSkip
	}
	if f.isSet("rabbitmq-external-auth") {
		cfg.ExternalAuth = *f.rabbitExternalAuth
	}
}

func (f *flagValues) applyRedis(cfg *RedisConfig) {
	f.applyRedisStrings(cfg)
	f.applyRedisTimeouts(cfg)
}

func (f *flagValues) applyRedisStrings(cfg *RedisConfig) {
	if *f.redisAddress != "" {
		cfg.Address = *f.redisAddress
	}
	if *f.redisGroup != "" {
		cfg.Group = *f.redisGroup
	}
	if *f.redisConsumer != "" {
		cfg.Consumer = *f.redisConsumer
	}
	if *f.redisBatchSize != 0 {
		cfg.BatchSize = *f.redisBatchSize
	}
	if *f.redisMaxLen != 0 {
		cfg.MaxLen = *f.redisMaxLen
	}
}

func (f *flagValues) applyRedisTimeouts(cfg *RedisConfig) {
	if *f.redisBlockTimeout != 0 {
		cfg.BlockTimeout = *f.redisBlockTimeout
	}
	if *f.redisClaimIdle != 0 {
		cfg.ClaimIdle = *f.redisClaimIdle
	}
	if *f.redisConsumerIdle != 0 {
		cfg.ConsumerIdleTimeout = *f.redisConsumerIdle
	}
	if *f.redisCleanupInterval != 0 {
		cfg.CleanupInterval = *f.redisCleanupInterval
	}
	if *f.redisDialTimeout != 0 {
		cfg.DialTimeout = *f.redisDialTimeout
	}
	if *f.redisReadTimeout != 0 {
		cfg.ReadTimeout = *f.redisReadTimeout
	}
	if *f.redisWriteTimeout != 0 {
		cfg.WriteTimeout = *f.redisWriteTimeout
	}
	if *f.redisPingTimeout != 0 {
		cfg.PingTimeout = *f.redisPingTimeout
	}
}

func (f *flagValues) applyMQTT(cfg *MQTTConfig) {
	f.applyMQTTStrings(cfg)
	f.applyMQTTTimeouts(cfg)
	f.applyMQTTTLS(cfg)
}

func (f *flagValues) applyMQTTStrings(cfg *MQTTConfig) {
	if *f.mqttBroker != "" {
		cfg.Broker = *f.mqttBroker
	}
	if *f.mqttClientID != "" {
		cfg.ClientID = *f.mqttClientID
	}
	if *f.mqttTopicPrefix != "" {
		cfg.TopicPrefix = *f.mqttTopicPrefix
	}
	if *f.mqttQoS >= 0 && *f.mqttQoS <= 2 {
		cfg.QoS = byte(*f.mqttQoS) // #nosec G115 - validated range 0-2
	}
	if *f.mqttPoolSize != 0 {
		cfg.PoolSize = *f.mqttPoolSize
	}
	if *f.mqttDisconnectTimeout > 0 {
		cfg.DisconnectTimeout = uint(*f.mqttDisconnectTimeout)
	}
}

func (f *flagValues) applyMQTTTimeouts(cfg *MQTTConfig) {
	if *f.mqttConnectTimeout != 0 {
		cfg.ConnectTimeout = *f.mqttConnectTimeout
	}
	if *f.mqttWriteTimeout != 0 {
		cfg.WriteTimeout = *f.mqttWriteTimeout
	}
	if *f.mqttMaxReconnect != 0 {
		cfg.MaxReconnectInterval = *f.mqttMaxReconnect
	}
	if *f.mqttSubscribeTimeout != 0 {
		cfg.SubscribeTimeout = *f.mqttSubscribeTimeout
	}
}

func (f *flagValues) applyMQTTTLS(cfg *MQTTConfig) {
	if *f.mqttCACert != "" {
		cfg.CACert = *f.mqttCACert
	}
	if *f.mqttClientCert != "" {
		cfg.ClientCert = *f.mqttClientCert
	}
	if *f.mqttClientKey != "" {
		cfg.ClientKey = *f.mqttClientKey
	}
	if f.isSet("mqtt-tls-enabled") {
		cfg.TLSEnabled = *f.mqttTLSEnabled
	}
	if f.isSet("mqtt-tls-insecure-skip") {
		cfg.InsecureSkip = *f.mqttInsecureSkip
	}
	if f.isSet("mqtt-use-cert-cn-prefix") {
		cfg.UseCertCNPrefix = *f.mqttUseCertCNPrefix
	}
}

func (f *flagValues) applyKafka(cfg *KafkaConfig) {
	if brokers := splitList(*f.kafkaBrokers); len(brokers) > 0 {
		cfg.Brokers = brokers
	}
	if *f.kafkaClientID != "" {
		cfg.ClientID = *f.kafkaClientID
	}
	if *f.kafkaGroupPrefix != "" {
		cfg.GroupPrefix = *f.kafkaGroupPrefix
	}
	if *f.kafkaDialTimeout != 0 {
		cfg.DialTimeout = *f.kafkaDialTimeout
	}
}

func (f *flagValues) applyPipeline(cfg *PipelineConfig) {
	if *f.pipelineShutdownTimeout != 0 {
		cfg.ShutdownTimeout = *f.pipelineShutdownTimeout
	}
	if *f.pipelineErrorBackoff != 0 {
		cfg.ErrorBackoff = *f.pipelineErrorBackoff
	}
	if *f.pipelineAckTimeout != 0 {
		cfg.AckTimeout = *f.pipelineAckTimeout
	}
	if *f.pipelineErrorBuffer != 0 {
		cfg.ErrorBuffer = *f.pipelineErrorBuffer
	}
	if *f.pipelinePollInterval != 0 {
		cfg.PollInterval = *f.pipelinePollInterval
	}
}

func (f *flagValues) applyMetrics(cfg *MetricsConfig) {
	if *f.metricsAddress != "" {
		cfg.Address = *f.metricsAddress
	}
}
