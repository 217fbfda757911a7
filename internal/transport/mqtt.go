package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/models"
)

// MQTTDialer connects to a broker and maps camera subscriptions onto topics
// of the form <prefix>/<cam_id>/<event>.
type MQTTDialer struct {
	cfg     config.MQTTConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTDialer creates a dialer. The URL passed to Dial is the broker.
func NewMQTTDialer(cfg config.MQTTConfig, timeout time.Duration, logger *zap.Logger) *MQTTDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "drones"
	}
	return &MQTTDialer{cfg: cfg, timeout: defaultTimeout(timeout), logger: logger}
}

type inbound struct {
	frame models.Frame
	err   error
}

type mqttConn struct {
	client mqtt.Client
	prefix string
	qos    byte

	messages  chan inbound
	lost      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to broker. Reconnection is left to the supervisor, so the
// paho client's own auto reconnect is off.
func (d *MQTTDialer) Dial(ctx context.Context, broker string) (Conn, error) {
	c := &mqttConn{
		prefix:   strings.TrimSuffix(d.cfg.TopicPrefix, "/"),
		qos:      d.cfg.QoS,
		messages: make(chan inbound, 256),
		lost:     make(chan error, 1),
		closed:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	// every connection gets its own session
	opts.SetClientID(fmt.Sprintf("%s-%s", d.cfg.ClientID, uuid.NewString()[:8]))
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
	}
	if d.cfg.Password != "" {
		opts.SetPassword(d.cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(d.timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	d.logger.Debug("MQTT connected", zap.String("broker", broker))
	return c, nil
}

// Subscribe subscribes to every event topic of sourceID.
func (c *mqttConn) Subscribe(ctx context.Context, sourceID string) error {
	topic := fmt.Sprintf("%s/%s/+", c.prefix, sourceID)
	token := c.client.Subscribe(topic, c.qos, c.handle)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

func (c *mqttConn) handle(_ mqtt.Client, msg mqtt.Message) {
	frame, err := decodeMQTTMessage(c.prefix, msg.Topic(), msg.Payload(), time.Now())
	select {
	case c.messages <- inbound{frame: frame, err: err}:
	case <-c.closed:
	}
}

func (c *mqttConn) ReadFrame(ctx context.Context) (models.Frame, error) {
	select {
	case in := <-c.messages:
		return in.frame, in.err
	case err := <-c.lost:
		return models.Frame{}, fmt.Errorf("connection lost: %w", err)
	case <-c.closed:
		return models.Frame{}, ErrClosed
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	}
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Disconnect(250)
	})
	return nil
}

// decodeMQTTMessage maps <prefix>/<cam_id>/<event> and a JSON object body to a frame.
func decodeMQTTMessage(prefix, topic string, body []byte, received time.Time) (models.Frame, error) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	parts := strings.Split(rest, "/")
	if rest == topic || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return models.Frame{}, malformed("unexpected topic %q", topic)
	}
	payload, err := decodePayload(body)
	if err != nil {
		return models.Frame{}, err
	}
	return models.Frame{
		Event:    parts[1],
		SourceID: parts[0],
		Payload:  payload,
		Received: received,
	}, nil
}
