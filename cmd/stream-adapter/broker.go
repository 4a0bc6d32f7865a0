package main

import (
	"fmt"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/broker/kafka"
	"github.com/ibs-source/stream-queue-adapter/internal/broker/memory"
	"github.com/ibs-source/stream-queue-adapter/internal/broker/mqtt"
	"github.com/ibs-source/stream-queue-adapter/internal/broker/rabbitmq"
	"github.com/ibs-source/stream-queue-adapter/internal/broker/redis"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
)

// newBroker connects the broker selected by cfg.Broker.Kind
func newBroker(cfg *config.Config, logger *log.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerMemory:
		return memory.New(), nil
	case config.BrokerRabbitMQ:
		return rabbitmq.New(&cfg.RabbitMQ, logger)
	case config.BrokerRedis:
		return redis.New(&cfg.Redis, logger)
	case config.BrokerMQTT:
		return mqtt.New(&cfg.MQTT, logger)
	case config.BrokerKafka:
		return kafka.New(&cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
