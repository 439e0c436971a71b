package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultKeepAlive          = 30 * time.Second
	defaultConnectRetry       = 5 * time.Second
	defaultPublishTimeout     = 10 * time.Second
	defaultMessageBufferDepth = 1024
)

// ErrNotConnected is returned by Publish while the broker session is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds connection parameters for the MQTT broker.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	Username       string
	Password       string
	TopicPrefix    string
	TopicSuffix    string
	ClientID       string
	ChannelName    string
	GatewayNode    uint32
	KeepAlive      time.Duration
	ReconnectGap   time.Duration
	PublishTimeout time.Duration
}

// SubscriptionTopic joins prefix and suffix into a valid MQTT subscription topic.
func (c Config) SubscriptionTopic() string {
	prefix := strings.TrimSuffix(c.TopicPrefix, "/")
	suffix := strings.TrimPrefix(c.TopicSuffix, "/")

	switch {
	case prefix == "" && suffix == "":
		return "#"
	case prefix == "":
		return suffix
	case suffix == "":
		return prefix
	default:
		return prefix + "/" + suffix
	}
}

// UplinkTopic is where this gateway publishes encoded envelopes for channel.
// An empty channel falls back to ChannelName.
func (c Config) UplinkTopic(channel string) string {
	if channel == "" {
		channel = c.ChannelName
	}
	prefix := strings.TrimSuffix(c.TopicPrefix, "/")
	if prefix == "" {
		prefix = "msh"
	}
	return fmt.Sprintf("%s/2/e/%s/!%08x", prefix, channel, c.GatewayNode)
}

func (c *Config) normalise() {
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ReconnectGap == 0 {
		c.ReconnectGap = defaultConnectRetry
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BrokerHost) == "" {
		return errors.New("mqtt: broker host must be provided")
	}
	if c.BrokerPort <= 0 {
		return errors.New("mqtt: broker port must be positive")
	}
	return nil
}

// Message represents a received MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Time     time.Time
}

// Client manages MQTT connectivity, exposes an async message stream and
// publishes outbound envelopes.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	onChange func(connected bool)

	mu       sync.RWMutex
	client   mqtt.Client
	closed   bool
	messages chan Message
	errs     chan error
	stopOnce sync.Once
}

// Option configures the client.
type Option func(*Client)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionHandler registers a callback for broker connect and disconnect events.
func WithConnectionHandler(fn func(connected bool)) Option {
	return func(c *Client) {
		c.onChange = fn
	}
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalise()

	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		messages: make(chan Message, defaultMessageBufferDepth),
		errs:     make(chan error, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the normalised configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Messages returns a read-only channel with incoming MQTT messages.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns asynchronous error notifications (connection loss, subscribe failures, etc.).
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Start connects to the broker and begins streaming messages until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort))
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectGap)
	opts.SetAutoReconnect(true)

	if c.cfg.ClientID != "" {
		opts.SetClientID(c.cfg.ClientID)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	topic := c.cfg.SubscriptionTopic()

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(Message{
			Topic:    msg.Topic(),
			Payload:  append([]byte(nil), msg.Payload()...),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
			Time:     time.Now(),
		})
	})

	opts.OnConnect = func(m mqtt.Client) {
		token := m.Subscribe(topic, 0, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.publishErr(fmt.Errorf("mqtt: subscribe failed for %s: %w", topic, err))
		} else {
			c.logger.Info("mqtt subscribed", slog.String("topic", topic))
		}
		c.notify(true)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.publishErr(fmt.Errorf("mqtt: connection lost: %w", err))
		c.notify(false)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.stop()
	}()

	return nil
}

// Ready reports whether the broker session is open for publishing.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.client != nil && c.client.IsConnectionOpen()
}

// Publish sends payload to topic with QoS 1 and waits for the broker to accept it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	closed := c.closed
	c.mu.RUnlock()
	if closed || client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.PublishTimeout):
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Stop terminates the MQTT session and closes channels.
func (c *Client) Stop() {
	c.stop()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		client := c.client
		c.closed = true
		close(c.messages)
		close(c.errs)
		c.mu.Unlock()

		if client != nil && client.IsConnected() {
			client.Disconnect(250)
		}
	})
}

func (c *Client) deliver(msg Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.messages <- msg:
	default:
		c.logger.Warn("mqtt dropping message, channel full", slog.String("topic", msg.Topic))
	}
}

func (c *Client) notify(connected bool) {
	if c.onChange != nil {
		c.onChange(connected)
	}
}

func (c *Client) publishErr(err error) {
	if err == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("mqtt dropping error", slog.Any("error", err))
	}
}
