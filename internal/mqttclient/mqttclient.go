// internal/mqttclient/mqttclient.go
package mqttclient

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sua-org/multicam/internal/logging"
)

var log = logging.For("mqtt")

const publishTimeout = 5 * time.Second

type Client struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// WillTopic, when set, gets WillPayload (retained) if the connection
	// drops without a clean disconnect.
	WillTopic   string
	WillPayload []byte
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}
	c := &Client{subs: make(map[string]subscription)}
	opts.SetOnConnectHandler(func(cli mqtt.Client) {
		log.Info().Str("broker", broker).Msg("connected")
		c.resubscribe(cli)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("connection lost, reconnecting")
	})

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	c.client = cli
	return c, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Subscribe registers handler for topic. Subscriptions survive reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	sub := subscription{qos: qos, handler: func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}}
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, sub.handler)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (c *Client) resubscribe(cli mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, sub := range c.subs {
		// Handlers run on the paho goroutine; don't block it waiting.
		cli.Subscribe(topic, sub.qos, sub.handler)
		log.Debug().Str("topic", topic).Msg("resubscribed")
	}
}

func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
