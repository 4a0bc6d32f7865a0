package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/tlsconfig"
)

// Client is one MQTT connection
type Client struct {
	client            mqtt.Client
	qos               byte
	writeTimeout      time.Duration
	subscribeTimeout  time.Duration
	disconnectTimeout uint
	log               *log.Logger
}

// NewClient connects a client. Subscriber connections keep a persistent session,
// deliver in order and leave acknowledgment to the caller.
func NewClient(cfg *config.MQTTConfig, subscriber bool, logger *log.Logger) (*Client, error) {
	opts, err := clientOptions(cfg, subscriber, logger)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	return &Client{
		client:            client,
		qos:               cfg.QoS,
		writeTimeout:      cfg.WriteTimeout,
		subscribeTimeout:  cfg.SubscribeTimeout,
		disconnectTimeout: cfg.DisconnectTimeout,
		log:               logger,
	}, nil
}

func clientOptions(cfg *config.MQTTConfig, subscriber bool, logger *log.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.WriteTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetResumeSubs(true)

	if subscriber {
		// Unacknowledged QoS 1 messages survive a reconnect only with a persistent session
		opts.SetCleanSession(false)
		opts.SetOrderMatters(true)
		opts.SetAutoAckDisabled(true)
	} else {
		opts.SetMessageChannelDepth(10000)
		opts.SetOrderMatters(false)
		opts.SetMaxResumePubInFlight(1000)
	}

	clientID := cfg.ClientID
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if err != nil {
			logger.Error("MQTT connection %s lost: %v", clientID, err)
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("MQTT %s reconnecting...", clientID)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Debug("MQTT %s connected", clientID)
	})

	if cfg.TLSEnabled {
		tlsCfg, err := tlsconfig.Load(tlsconfig.Files{
			CACert:       cfg.CACert,
			ClientCert:   cfg.ClientCert,
			ClientKey:    cfg.ClientKey,
			InsecureSkip: cfg.InsecureSkip,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// Publish sends payload to topic and waits for the broker to accept it
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt publish timeout")
	}
}

// Subscribe registers handler for topic
func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) error {
	token := c.client.Subscribe(topic, c.qos, handler)
	if !token.WaitTimeout(c.subscribeTimeout) {
		return fmt.Errorf("mqtt subscription to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(c.subscribeTimeout) {
		return fmt.Errorf("mqtt unsubscribe from %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the MQTT broker
func (c *Client) Close() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(c.disconnectTimeout)
	}
	return nil
}
