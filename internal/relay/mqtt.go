package relay

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/signaling"
	"github.com/mossy-p/rtcnet/internal/wire"
)

const mqttQoS = 1

// MQTTBridgeConfig configures an MQTTBridge.
type MQTTBridgeConfig struct {
	Broker         string
	Prefix         string
	ClientID       string
	ConnectTimeout time.Duration
	LoggerFactory  logging.LoggerFactory
}

// MQTTBridge serves relay clients that reach the relay through an MQTT
// broker. Every client id seen on an inbound topic becomes a hub peer; the
// peer's frames are published on the client's outbound topic.
type MQTTBridge struct {
	hub    *Hub
	config MQTTBridgeConfig
	log    logging.LeveledLogger
	client mqtt.Client

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewMQTTBridge creates a bridge for hub. Start connects it.
func NewMQTTBridge(hub *Hub, config MQTTBridgeConfig) *MQTTBridge {
	if config.Prefix == "" {
		config.Prefix = signaling.DefaultMQTTPrefix
	}
	if config.ClientID == "" {
		config.ClientID = "rtcnet-relay"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &MQTTBridge{
		hub:    hub,
		config: config,
		log:    factory.NewLogger("relay"),
		peers:  make(map[string]*Peer),
	}
}

// Start connects to the broker and subscribes to every inbound topic.
func (b *MQTTBridge) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.Broker)
	opts.SetClientID(b.config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(b.config.Prefix+"/in/+", mqttQoS, b.onMessage)
		if token.WaitTimeout(b.config.ConnectTimeout) && token.Error() != nil {
			b.log.Errorf("subscribing to relay topics: %v", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warnf("mqtt bridge lost broker: %v", err)
		b.dropAll()
	})
	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(b.config.ConnectTimeout) {
		return fmt.Errorf("connecting to %s: timed out", b.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", b.config.Broker, err)
	}
	b.log.Infof("mqtt bridge connected to %s under %s", b.config.Broker, b.config.Prefix)
	return nil
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	clientID, ok := signaling.MQTTClientFromTopic(b.config.Prefix, msg.Topic())
	if !ok {
		return
	}
	ev, err := wire.Decode(msg.Payload())
	if err != nil {
		b.log.Warnf("dropping malformed frame from %s: %v", clientID, err)
		return
	}
	goodbye := ev.Kind == models.EventDisconnected && ev.ConnectionID == models.InvalidConnectionID

	b.mu.Lock()
	peer, ok := b.peers[clientID]
	if goodbye {
		delete(b.peers, clientID)
	} else if !ok {
		outTopic := signaling.MQTTOutboundTopic(b.config.Prefix, clientID)
		peer = b.hub.Join(func(ev models.NetworkEvent) {
			b.client.Publish(outTopic, mqttQoS, false, wire.Encode(ev))
		})
		b.peers[clientID] = peer
		ok = true
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if goodbye {
		peer.Leave()
		return
	}
	peer.Handle(ev)
}

// ClientCount returns the number of MQTT clients attached to the hub.
func (b *MQTTBridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

func (b *MQTTBridge) dropAll() {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*Peer)
	b.mu.Unlock()

	for _, peer := range peers {
		peer.Leave()
	}
}

// Stop detaches every client and disconnects from the broker.
func (b *MQTTBridge) Stop() {
	b.dropAll()
	if b.client != nil && b.client.IsConnected() {
		b.client.Unsubscribe(b.config.Prefix + "/in/+").WaitTimeout(b.config.ConnectTimeout)
		b.client.Disconnect(250)
	}
}
