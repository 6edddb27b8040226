package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
)

const defaultMQTTTimeout = 10 * time.Second

type MQTTConfig struct {
	ClientIDPrefix string
	QoS            byte
	Username       string
	Password       string
	Timeout        time.Duration
}

// MQTTTransport publishes messages to the topic named by the endpoint path,
// e.g. mqtt://broker:1883/a2a/agents/bob. A broker acknowledgement (QoS 1)
// counts as delivery.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *logrus.Logger

	mu      sync.Mutex
	clients map[string]mqtt.Client
}

func NewMQTTTransport(cfg MQTTConfig, logger *logrus.Logger) *MQTTTransport {
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "a2a-router"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultMQTTTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTTTransport{cfg: cfg, logger: logger, clients: make(map[string]mqtt.Client)}
}

func (t *MQTTTransport) Kind() a2a.TransportKind { return a2a.TransportMQTT }

func (t *MQTTTransport) Send(ctx context.Context, msg *a2a.Message, endpoint string) error {
	broker, topic, err := ParseMQTTEndpoint(endpoint)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	client, err := t.client(broker)
	if err != nil {
		return err
	}
	token := client.Publish(topic, t.cfg.QoS, false, payload)
	if err := t.wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	t.logger.Debugf("Published message %s to MQTT topic %s", msg.ID, topic)
	return nil
}

// Listen subscribes to topic on broker and hands every decoded message to r.
func (t *MQTTTransport) Listen(brokerURL, topic string, r Receiver) error {
	broker, _, err := ParseMQTTEndpoint(brokerURL)
	if err != nil {
		return err
	}
	client, err := t.client(broker)
	if err != nil {
		return err
	}
	token := client.Subscribe(topic, t.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		var msg a2a.Message
		if err := json.Unmarshal(m.Payload(), &msg); err != nil {
			t.logger.Warnf("Dropping malformed MQTT message on %s: %v", m.Topic(), err)
			return
		}
		receipt := r.Receive(context.Background(), &msg)
		if receipt != nil && receipt.Status != a2a.ReceiptCompleted {
			t.logger.WithFields(logrus.Fields{
				"messageId": msg.ID,
				"topic":     m.Topic(),
			}).Warn("Inbound MQTT message was not delivered")
		}
	})
	if err := t.wait(context.Background(), token); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	t.logger.Infof("Listening for A2A messages on MQTT topic %s", topic)
	return nil
}

func (t *MQTTTransport) client(broker string) (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[broker]; ok {
		return c, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(t.cfg.ClientIDPrefix + "-" + uuid.NewString()[:8]).
		SetConnectTimeout(t.cfg.Timeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(t.cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	t.clients[broker] = c
	t.logger.Infof("Connected to MQTT broker %s", broker)
	return c, nil
}

func (t *MQTTTransport) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", t.cfg.Timeout)
	}
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for broker, c := range t.clients {
		c.Disconnect(250)
		delete(t.clients, broker)
	}
	return nil
}

// ParseMQTTEndpoint splits an mqtt:// or mqtts:// URL into the paho broker
// address and the topic.
func ParseMQTTEndpoint(endpoint string) (broker, topic string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("mqtt endpoint: %w", err)
	}
	var scheme, port string
	switch u.Scheme {
	case "mqtt", "tcp":
		scheme, port = "tcp", "1883"
	case "mqtts", "ssl":
		scheme, port = "ssl", "8883"
	default:
		return "", "", fmt.Errorf("mqtt endpoint: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("mqtt endpoint: missing host in %q", endpoint)
	}
	if u.Port() != "" {
		port = u.Port()
	}
	broker = scheme + "://" + net.JoinHostPort(u.Hostname(), port)
	topic = strings.TrimPrefix(u.Path, "/")
	return broker, topic, nil
}
