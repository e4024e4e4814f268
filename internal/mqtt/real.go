package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// Connection and publish timing.
const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	retryInterval   = 5 * time.Second
	disconnectQuiet = 1000 // ms
	bufferCapacity  = 256
)

// ErrNotConnected is returned when a message was buffered instead of sent.
var ErrNotConnected = errors.New("mqtt: not connected, message buffered")

// Config contains broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// RealPublisher publishes to an MQTT broker. Messages published while the
// connection is down are buffered and replayed in order on reconnect.
type RealPublisher struct {
	client paho.Client
	log    zerolog.Logger
	now    func() time.Time

	// mu guards buf, online and connects. online changes only together
	// with a drain of buf, so a message is never buffered after its replay.
	mu       sync.Mutex
	buf      *ringBuffer
	online   bool
	connects int
}

// NewRealPublisher connects to the broker. A last-will message marks the
// controller offline if the connection drops uncleanly.
func NewRealPublisher(cfg Config, log zerolog.Logger) (*RealPublisher, error) {
	p := &RealPublisher{
		log: log,
		now: time.Now,
		buf: newRingBuffer(bufferCapacity, log),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "irrigation-controller"
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry keeps trying in the background; buffer until then.
		log.Warn().Str("broker", cfg.Broker).Msg("mqtt connect timeout, retrying in background")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect replays messages buffered while offline. After a reconnect it
// also publishes a retained RECONNECTED event, replacing the last-will
// OFFLINE message the broker may have retained.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	pending := p.buf.drainAll()
	p.online = true
	p.connects++
	reconnect := p.connects > 1
	p.mu.Unlock()

	p.log.Info().Int("buffered", len(pending)).Bool("reconnect", reconnect).Msg("mqtt connected")
	for _, m := range pending {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.log.Warn().Str("topic", m.topic).Err(token.Error()).Msg("failed to replay buffered message")
		}
	}

	if !reconnect {
		return
	}
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
	if err != nil {
		p.log.Warn().Err(err).Msg("format reconnect event")
		return
	}
	token := c.Publish(TopicSystem, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		p.log.Warn().Err(token.Error()).Msg("failed to publish reconnect event")
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.online = false
	p.mu.Unlock()
	p.log.Warn().Err(err).Msg("mqtt connection lost")
}

func (p *RealPublisher) send(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.online {
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Publish sends a cycle event (QoS 0, not retained).
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(TopicEvents, 0, false, payload)
}

// PublishSystem sends a lifecycle event (QoS 1).
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(TopicSystem, 1, event.Retained, payload)
}

// Notify sends a notification (QoS 1, at-least-once).
func (p *RealPublisher) Notify(message string) error {
	payload, err := FormatNotifyPayload(p.now(), message)
	if err != nil {
		return fmt.Errorf("format notification: %w", err)
	}
	return p.send(TopicNotify, 1, false, payload)
}

// IsConnected reports whether the broker connection is up and buffered
// messages have been handed back to the client.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online && p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for reconnection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(disconnectQuiet)
	return nil
}
