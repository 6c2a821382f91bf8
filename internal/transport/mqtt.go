package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// ControllerNode is the mesh address of the controller itself.
const ControllerNode types.NodeID = 0

// MQTTConfig MQTT bridge settings.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
	InboundBuffer  int
}

// MQTT bridges the radio mesh through an MQTT broker. The radio gateway
// publishes what it hears on <prefix>/<node>/up and transmits whatever
// arrives on <prefix>/<node>/down.
//
// A transport created with local == ControllerNode talks to every node;
// any other local id plays that node (used by the simulator).
type MQTT struct {
	client  mqtt.Client
	config  MQTTConfig
	local   types.NodeID
	inbound chan Frame
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// DialMQTT connects to the broker, retrying up to attempts times with delay
// between tries. Failing every attempt is fatal for the caller.
func DialMQTT(ctx context.Context, cfg MQTTConfig, local types.NodeID, attempts int, delay time.Duration, logger *zap.Logger) (*MQTT, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mesh"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 500 * time.Millisecond
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if attempts < 1 {
		attempts = 1
	}

	t := &MQTT{
		config:  cfg,
		local:   local,
		inbound: make(chan Frame, cfg.InboundBuffer),
		logger:  logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// clean session: subscriptions must be restored on every connect
		token := c.Subscribe(t.subscribeTopic(), cfg.QoS, t.handleMessage)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			logger.Error("MQTT subscribe failed", zap.String("topic", t.subscribeTopic()), zap.Error(token.Error()))
			return
		}
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker), zap.String("topic", t.subscribeTopic()))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	t.client = mqtt.NewClient(opts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		token := t.client.Connect()
		if token.Wait() && token.Error() == nil {
			return t, nil
		}
		lastErr = token.Error()
		logger.Error("Mesh transport connect failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(lastErr))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("failed to connect to MQTT broker %s after %d attempts: %w", cfg.Broker, attempts, lastErr)
}

func (t *MQTT) subscribeTopic() string {
	if t.local == ControllerNode {
		return t.config.TopicPrefix + "/+/up"
	}
	return fmt.Sprintf("%s/%d/down", t.config.TopicPrefix, t.local)
}

func (t *MQTT) publishTopic(to types.NodeID) string {
	if t.local == ControllerNode {
		return fmt.Sprintf("%s/%d/down", t.config.TopicPrefix, to)
	}
	return fmt.Sprintf("%s/%d/up", t.config.TopicPrefix, t.local)
}

// handleMessage runs on the paho callback goroutine.
func (t *MQTT) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	from := ControllerNode
	if t.local == ControllerNode {
		id, err := nodeFromTopic(msg.Topic())
		if err != nil {
			t.logger.Warn("Dropping message on unexpected topic", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		from = id
	}

	frame := Frame{From: from, Payload: append([]byte(nil), msg.Payload()...)}
	select {
	case t.inbound <- frame:
	default:
		t.logger.Warn("Inbound buffer full, dropping frame", zap.Stringer("from", from))
	}
}

// nodeFromTopic extracts the node id from <prefix>/<node>/up.
func nodeFromTopic(topic string) (types.NodeID, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return 0, fmt.Errorf("invalid topic format: %s", topic)
	}
	n, err := strconv.ParseUint(parts[len(parts)-2], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid node id in topic %s: %w", topic, err)
	}
	return types.NodeID(n), nil
}

// Poll implements Transport.
func (t *MQTT) Poll() []Frame {
	var frames []Frame
	for {
		select {
		case f := <-t.inbound:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// Send implements Transport. The frame counts as delivered once the broker
// acknowledges it.
func (t *MQTT) Send(to types.NodeID, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := checkSize(payload); err != nil {
		return err
	}

	token := t.client.Publish(t.publishTopic(to), t.config.QoS, false, payload)
	if !token.WaitTimeout(t.config.PublishTimeout) {
		return fmt.Errorf("%w: publish to %s timed out", ErrUnreachable, to)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Sync implements Transport. Paho reconnects on its own; Sync only reports
// whether the link is usable right now.
func (t *MQTT) Sync() error {
	if !t.client.IsConnectionOpen() {
		return fmt.Errorf("%w: broker connection down", ErrUnreachable)
	}
	return nil
}

// Close implements Transport.
func (t *MQTT) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.client.Disconnect(250)
	return nil
}
