package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"DriverSafetyCore/internal/config"
	"DriverSafetyCore/internal/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	opTimeout         = 5 * time.Second
	disconnectQuiesce = 250
)

// Client wraps the paho client. Handlers registered with Subscribe are
// restored on every reconnect, and the agent's presence is kept on a retained
// status topic with a last-will fallback.
type Client struct {
	client         mqtt.Client
	cfg            *config.MQTTConfig
	driverID       string
	log            *logger.Logger
	handlers       map[string]MessageHandler
	mu             sync.RWMutex
	connected      bool
	lastConnected  time.Time
	lastDisconnect time.Time
}

type MessageHandler func(topic string, payload []byte) error

type ClientConfig struct {
	MQTT *config.MQTTConfig
	// DriverID addresses worker commands and presence to this driver.
	DriverID string
	Logger   *logger.Logger
}

// Presence is the retained payload on the driver's status topic.
type Presence struct {
	DriverID string    `json:"driver_id"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

func statusTopic(prefix, driverID string) string {
	return fmt.Sprintf("%s/drivers/%s/status", strings.TrimSuffix(prefix, "/"), driverID)
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MQTT == nil {
		return nil, fmt.Errorf("mqtt config cannot be nil")
	}

	c := &Client{
		cfg:      cfg.MQTT,
		driverID: cfg.DriverID,
		log:      cfg.Logger.Named("mqtt"),
		handlers: make(map[string]MessageHandler),
	}

	will, err := json.Marshal(Presence{DriverID: cfg.DriverID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode last will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.BrokerURL())
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.MQTT.ClientID, uuid.NewString()[:8]))
	opts.SetKeepAlive(cfg.MQTT.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.MQTT.ConnectTimeout)
	opts.SetAutoReconnect(cfg.MQTT.AutoReconnect)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetCleanSession(true)
	opts.SetBinaryWill(statusTopic(cfg.MQTT.TopicPrefix, cfg.DriverID), will, cfg.MQTT.QoS, true)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

// Connect waits up to the configured timeout for the first connection. On
// timeout paho keeps retrying in the background and onConnect fires later.
func (c *Client) Connect() error {
	c.log.Info("Connecting to MQTT broker: %s", c.cfg.BrokerURL())

	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %v", c.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.lastConnected = time.Now()
	c.mu.Unlock()

	c.log.Info("Successfully connected to MQTT broker")
	return nil
}

// Disconnect clears the retained presence before closing, so peers do not
// wait for the last will.
func (c *Client) Disconnect() error {
	c.log.Info("Disconnecting from MQTT broker")

	if c.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.publishPresence(ctx, false); err != nil {
			c.log.Warn("Failed to publish offline presence: %v", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.connected = false
	c.lastDisconnect = time.Now()
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)

	c.log.Info("Disconnected from MQTT broker")
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// DisconnectedAt returns when the connection was last lost, zero if it never was.
func (c *Client) DisconnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDisconnect
}

func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	c.log.Debug("Subscribing to topic: %s (QoS: %d)", topic, c.cfg.QoS)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	token := c.client.Subscribe(topic, c.cfg.QoS, func(client mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg)
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("subscribe failed for topic %s: %w", topic, err)
	}

	c.log.Info("Subscribed to topic: %s", topic)
	return nil
}

// Unsubscribe forgets the handler even when the broker is unreachable, so it
// is not restored on reconnect.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := wait(ctx, c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe failed for topic %s: %w", topic, err)
	}

	c.log.Info("Unsubscribed from topic: %s", topic)
	return nil
}

// Publish sends payload and waits for the broker's acknowledgement, bounded
// by ctx and opTimeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	c.log.Debug("Publishing to topic: %s (size: %d bytes)", topic, len(payload))

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := wait(ctx, c.client.Publish(topic, c.cfg.QoS, retained, payload)); err != nil {
		return fmt.Errorf("publish failed for topic %s: %w", topic, err)
	}
	return nil
}

func (c *Client) PublishJSON(ctx context.Context, topic string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return c.Publish(ctx, topic, payload, false)
}

func (c *Client) publishPresence(ctx context.Context, online bool) error {
	payload, err := json.Marshal(Presence{DriverID: c.driverID, Online: online, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.Publish(ctx, statusTopic(c.cfg.TopicPrefix, c.driverID), payload, true)
}

// wait blocks until token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handleMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	c.log.Debug("Received message on topic: %s (size: %d bytes)", topic, len(payload))

	c.mu.RLock()
	handler, exists := c.handlers[topic]
	if !exists {
		for pattern, h := range c.handlers {
			if matchTopic(pattern, topic) {
				handler = h
				exists = true
				break
			}
		}
	}
	c.mu.RUnlock()

	if !exists {
		c.log.Warn("No handler found for topic: %s", topic)
		return
	}

	if err := handler(topic, payload); err != nil {
		c.log.Error("Handler error for topic %s: %v", topic, err)
	}
}

// onConnect runs on paho's callback goroutine, so presence is published
// from a separate one.
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.lastConnected = time.Now()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	c.log.Info("MQTT connection established")

	for _, topic := range topics {
		c.log.Debug("Re-subscribing to topic: %s", topic)
		token := client.Subscribe(topic, c.cfg.QoS, func(client mqtt.Client, msg mqtt.Message) {
			c.handleMessage(msg)
		})
		if token.WaitTimeout(opTimeout) && token.Error() != nil {
			c.log.Error("Failed to re-subscribe to %s: %v", topic, token.Error())
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.publishPresence(ctx, true); err != nil {
			c.log.Warn("Failed to publish online presence: %v", err)
		}
	}()
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.lastDisconnect = time.Now()
	c.mu.Unlock()

	c.log.Error("MQTT connection lost: %v", err)
}

func (c *Client) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.log.Warn("Reconnecting to MQTT broker, down since %s", c.DisconnectedAt().Format(time.RFC3339))
}

// matchTopic reports whether topic matches an MQTT filter with + and # wildcards.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternParts := splitTopic(pattern)
	topicParts := splitTopic(topic)

	for i, part := range patternParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}

func splitTopic(topic string) []string {
	parts := []string{}
	for _, p := range strings.Split(topic, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
