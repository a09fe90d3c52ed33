package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/wire"
)

// DefaultMQTTPrefix is the topic prefix shared by clients and the relay bridge.
const DefaultMQTTPrefix = "rtcnet/relay"

const mqttQoS = 1

// MQTTInboundTopic is where a client publishes frames for the relay.
func MQTTInboundTopic(prefix, clientID string) string {
	return prefix + "/in/" + clientID
}

// MQTTOutboundTopic is where the relay publishes frames for a client.
func MQTTOutboundTopic(prefix, clientID string) string {
	return prefix + "/out/" + clientID
}

// MQTTClientFromTopic extracts the client id from an inbound topic.
func MQTTClientFromTopic(prefix, topic string) (string, bool) {
	clientID, ok := strings.CutPrefix(topic, prefix+"/in/")
	if !ok || clientID == "" || strings.Contains(clientID, "/") {
		return "", false
	}
	return clientID, true
}

// MQTTGoodbye is the frame a client sends (or leaves as its last will) when
// its whole relay session ends.
func MQTTGoodbye() []byte {
	return wire.Encode(models.NewEvent(models.EventDisconnected, models.InvalidConnectionID))
}

// Compile-time interface check.
var _ Transport = (*MQTTTransport)(nil)

// MQTTConfig configures an MQTTTransport.
type MQTTConfig struct {
	// Broker URL, e.g. tcp://localhost:1883.
	Broker string

	// Prefix of the relay topics; DefaultMQTTPrefix when empty.
	Prefix string

	DialTimeout   time.Duration
	LoggerFactory logging.LoggerFactory
}

// MQTTTransport reaches the relay through an MQTT broker. Each client gets
// a random client id and a pair of topics; the relay bridge subscribes to
// every inbound topic and answers on the client's outbound topic.
type MQTTTransport struct {
	*relayClient
}

// NewMQTTTransport creates a transport; the broker connection opens on first use.
func NewMQTTTransport(config MQTTConfig) *MQTTTransport {
	factory := loggerFactory(config.LoggerFactory)
	log := factory.NewLogger("signaling")
	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultMQTTPrefix
	}
	dial := func(ctx context.Context) (frameConn, error) {
		conn, err := dialMQTT(ctx, config.Broker, prefix, log)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return &MQTTTransport{relayClient: newRelayClient("mqtt", dial, config.DialTimeout, factory)}
}

type mqttConn struct {
	client   mqtt.Client
	log      logging.LeveledLogger
	inTopic  string
	frames   chan []byte
	done     chan struct{}
	closeErr error
	once     sync.Once
}

func dialMQTT(ctx context.Context, broker, prefix string, log logging.LeveledLogger) (*mqttConn, error) {
	clientID := uuid.NewString()
	c := &mqttConn{
		log:     log,
		inTopic: MQTTInboundTopic(prefix, clientID),
		frames:  make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(timeout)
	opts.SetBinaryWill(c.inTopic, MQTTGoodbye(), mqttQoS, false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.shutdown(fmt.Errorf("connection to broker lost: %w", err))
	})
	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out after %s", broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, err)
	}

	token = c.client.Subscribe(MQTTOutboundTopic(prefix, clientID), mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case c.frames <- msg.Payload():
		case <-c.done:
		}
	})
	if !token.WaitTimeout(timeout) || token.Error() != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("subscribing to relay topic: %v", token.Error())
	}
	return c, nil
}

func (c *mqttConn) WriteEvent(ev models.NetworkEvent) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	c.client.Publish(c.inTopic, mqttQoS, false, wire.Encode(ev))
	return nil
}

func (c *mqttConn) ReadEvent() (models.NetworkEvent, error) {
	for {
		select {
		case frame := <-c.frames:
			ev, err := wire.Decode(frame)
			if err != nil {
				c.log.Warnf("dropping malformed frame: %v", err)
				continue
			}
			return ev, nil
		case <-c.done:
			return models.NetworkEvent{}, c.closeErr
		}
	}
}

func (c *mqttConn) Close() error {
	if c.shutdown(errChannelClosed) {
		// Close runs under the transport lock; say goodbye in the background.
		go func() {
			token := c.client.Publish(c.inTopic, mqttQoS, false, MQTTGoodbye())
			token.WaitTimeout(writeWait)
			c.client.Disconnect(250)
		}()
	}
	return nil
}

// shutdown marks the channel closed once and reports whether this call did it.
func (c *mqttConn) shutdown(err error) bool {
	first := false
	c.once.Do(func() {
		c.closeErr = err
		close(c.done)
		first = true
	})
	return first
}
