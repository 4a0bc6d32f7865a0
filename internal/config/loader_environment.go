package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func loadProviderFromEnv(cfg *ProviderConfig) {
	if v := getEnvString("PROVIDER_NAME"); v != "" {
		cfg.Name = v
	}
	if v := getEnvInt("PROVIDER_QUEUE_COUNT"); v != 0 {
		cfg.QueueCount = v
	}
	if v := getEnvString("PROVIDER_QUEUE_PREFIX"); v != "" {
		cfg.QueuePrefix = v
	}
	if v := getEnvInt("PROVIDER_CACHE_SIZE"); v != 0 {
		cfg.CacheSize = v
	}
	if v := getEnvString("PROVIDER_SERIALIZER"); v != "" {
		cfg.Serializer = v
	}
	if v := getEnvString("PROVIDER_FAILURE_HANDLER"); v != "" {
		cfg.FailureHandler = v
	}
	if v := getEnvBool("PROVIDER_FAULT_ON_ERROR"); v {
		cfg.FaultOnError = v
	}
	if v := getEnvString("PROVIDER_DEAD_LETTER_QUEUE"); v != "" {
		cfg.DeadLetterQueue = v
	}
}

func loadBrokerFromEnv(cfg *BrokerConfig) {
	if v := getEnvString("BROKER_KIND"); v != "" {
		cfg.Kind = strings.ToLower(v)
	}
}

func loadRabbitMQFromEnv(cfg *RabbitMQConfig) {
	if v := getEnvString("RABBITMQ_URL"); v != "" {
		cfg.URL = v
	}
	if v := getEnvInt("RABBITMQ_PREFETCH"); v != 0 {
		cfg.Prefetch = v
	}
	if v := getEnvDuration("RABBITMQ_DIAL_TIMEOUT"); v != 0 {
		cfg.DialTimeout = v
	}
	if v := getEnvDuration("RABBITMQ_HEARTBEAT"); v != 0 {
		cfg.Heartbeat = v
	}
	if v := getEnvString("RABBITMQ_CA_CERT"); v != "" {
		cfg.CACert = v
	}
	if v := getEnvString("RABBITMQ_CLIENT_CERT"); v != "" {
		cfg.ClientCert = v
	}
	if v := getEnvString("RABBITMQ_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
	if v := getEnvBool("RABBITMQ_TLS_ENABLED"); v {
		cfg.TLSEnabled = v
	}
	if v := getEnvBool("RABBITMQ_TLS_INSECURE_SKIP"); v {
		cfg.InsecureSkip = v
	}
	if v := getEnvBool("RABBITMQ_EXTERNAL_AUTH"); v {
		cfg.ExternalAuth = v
	}
}

// loadRedisFromEnv loads Redis configuration from environment variables
func loadRedisFromEnv(cfg *RedisConfig) {
	loadRedisStrings(cfg)
	loadRedisInts(cfg)
	loadRedisTimeouts(cfg)
}

func loadRedisStrings(cfg *RedisConfig) {
	if v := getEnvString("REDIS_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := getEnvString("REDIS_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := getEnvString("REDIS_CONSUMER"); v != "" {
		cfg.Consumer = v
	}
}

func loadRedisInts(cfg *RedisConfig) {
	if v := getEnvInt("REDIS_BATCH_SIZE"); v != 0 {
		cfg.BatchSize = v
	}
	if v := getEnvInt("REDIS_MAX_LEN"); v != 0 {
		cfg.MaxLen = int64(v)
	}
}

func loadRedisTimeouts(cfg *RedisConfig) {
	if v := getEnvDuration("REDIS_BLOCK_TIMEOUT"); v != 0 {
		cfg.BlockTimeout = v
	}
	if v := getEnvDuration("REDIS_CLAIM_IDLE"); v != 0 {
		cfg.ClaimIdle = v
	}
	if v := getEnvDuration("REDIS_CONSUMER_IDLE_TIMEOUT"); v != 0 {
		cfg.ConsumerIdleTimeout = v
	}
	if v := getEnvDuration("REDIS_CLEANUP_INTERVAL"); v != 0 {
		cfg.CleanupInterval = v
	}
	if v := getEnvDuration("REDIS_DIAL_TIMEOUT"); v != 0 {
		cfg.DialTimeout = v
	}
	if v := getEnvDuration("REDIS_READ_TIMEOUT"); v != 0 {
		cfg.ReadTimeout = v
	}
	if v := getEnvDuration("REDIS_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("REDIS_PING_TIMEOUT"); v != 0 {
		cfg.PingTimeout = v
	}
}

// loadMQTTFromEnv loads MQTT configuration from environment variables
func loadMQTTFromEnv(cfg *MQTTConfig) {
	loadMQTTStrings(cfg)
	loadMQTTInts(cfg)
	loadMQTTTimeouts(cfg)
	loadMQTTTLS(cfg)
}

func loadMQTTStrings(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := getEnvString("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := getEnvString("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.TopicPrefix = v
	}
}

func loadMQTTInts(cfg *MQTTConfig) {
	if v := os.Getenv("MQTT_QOS"); v != "" {
		if q, err := strconv.Atoi(v); err == nil && q >= 0 && q <= 2 {
			cfg.QoS = byte(q) // #nosec G115 - validated range 0-2
		}
	}
	if v := getEnvInt("MQTT_POOL_SIZE"); v != 0 {
		cfg.PoolSize = v
	}
	if v := getEnvInt("MQTT_DISCONNECT_TIMEOUT"); v > 0 {
		cfg.DisconnectTimeout = uint(v)
	}
}

func loadMQTTTimeouts(cfg *MQTTConfig) {
	if v := getEnvDuration("MQTT_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	if v := getEnvDuration("MQTT_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL"); v != 0 {
		cfg.MaxReconnectInterval = v
	}
	if v := getEnvDuration("MQTT_SUBSCRIBE_TIMEOUT"); v != 0 {
		cfg.SubscribeTimeout = v
	}
}

func loadMQTTTLS(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_CA_CERT"); v != "" {
		cfg.CACert = v
	}
	if v := getEnvString("MQTT_CLIENT_CERT"); v != "" {
		cfg.ClientCert = v
	}
	if v := getEnvString("MQTT_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
	if v := getEnvBool("MQTT_TLS_ENABLED"); v {
		cfg.TLSEnabled = v
	}
	if v := getEnvBool("MQTT_TLS_INSECURE_SKIP"); v {
		cfg.InsecureSkip = v
	}
	if v := getEnvBool("MQTT_USE_CERT_CN_PREFIX"); v {
		cfg.UseCertCNPrefix = v
	}
}

func loadKafkaFromEnv(cfg *KafkaConfig) {
	if v := getEnvList("KAFKA_BROKERS"); len(v) > 0 {
		cfg.Brokers = v
	}
	if v := getEnvString("KAFKA_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := getEnvString("KAFKA_GROUP_PREFIX"); v != "" {
		cfg.GroupPrefix = v
	}
	if v := getEnvDuration("KAFKA_DIAL_TIMEOUT"); v != 0 {
		cfg.DialTimeout = v
	}
}

// loadPipelineFromEnv loads Pipeline configuration from environment variables
func loadPipelineFromEnv(cfg *PipelineConfig) {
	if v := getEnvDuration("PIPELINE_SHUTDOWN_TIMEOUT"); v != 0 {
		cfg.ShutdownTimeout = v
	}
	if v := getEnvDuration("PIPELINE_ERROR_BACKOFF"); v != 0 {
		cfg.ErrorBackoff = v
	}
	if v := getEnvDuration("PIPELINE_ACK_TIMEOUT"); v != 0 {
		cfg.AckTimeout = v
	}
	if v := getEnvInt("PIPELINE_ERROR_BUFFER"); v != 0 {
		cfg.ErrorBuffer = v
	}
	if v := getEnvDuration("PIPELINE_POLL_INTERVAL"); v != 0 {
		cfg.PollInterval = v
	}
}

func loadMetricsFromEnv(cfg *MetricsConfig) {
	if v := getEnvString("METRICS_ADDRESS"); v != "" {
		cfg.Address = v
	}
}

// Helper functions for reading environment variables

func getEnvString(key string) string {
	return os.Getenv(key)
}

func getEnvInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return intValue
}

func getEnvDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return duration
}

func getEnvBool(key string) bool {
	value := os.Getenv(key)
	return value == "true"
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string) []string {
	return splitList(os.Getenv(key))
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
