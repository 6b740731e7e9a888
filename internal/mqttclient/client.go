package mqttclient

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MessageHandler receives the payload of one message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Client is a thin wrapper around paho with per-topic handlers and
// resubscription on reconnect.
type Client struct {
	conn      mqtt.Client
	connected atomic.Bool
	log       zerolog.Logger

	mu       sync.Mutex
	handlers map[string]MessageHandler // topic filter → handler
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// Ordered preserves per-topic delivery order at the cost of running
	// handlers inline. Required for result feeds; leave false elsewhere.
	Ordered bool
	Log     zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		log:      opts.Log,
		handlers: make(map[string]MessageHandler),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(opts.Ordered).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// Subscribe registers a handler for a topic filter. The subscription is
// re-established automatically after a reconnect.
func (c *Client) Subscribe(filter string, h MessageHandler) error {
	c.mu.Lock()
	c.handlers[filter] = h
	c.mu.Unlock()

	token := c.conn.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes a topic filter and its handler.
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	delete(c.handlers, filter)
	c.mu.Unlock()

	token := c.conn.Unsubscribe(filter)
	token.Wait()
	return token.Error()
}

// Publish sends a payload to a topic and waits for the broker ack.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	token := c.conn.Publish(topic, 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	c.mu.Lock()
	filters := make(map[string]MessageHandler, len(c.handlers))
	for f, h := range c.handlers {
		filters[f] = h
	}
	c.mu.Unlock()

	if len(filters) == 0 {
		c.log.Info().Msg("mqtt connected")
		return
	}

	c.log.Info().Int("subscriptions", len(filters)).Msg("mqtt connected, resubscribing")
	for f, h := range filters {
		handler := h
		token := client.Subscribe(f, 0, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("filter", f).Msg("mqtt resubscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
