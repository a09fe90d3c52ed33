package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/rtcnet/config"
	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/network"
	"github.com/mossy-p/rtcnet/internal/peer"
	"github.com/mossy-p/rtcnet/internal/signaling"
)

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Load(), nil
	}
	return config.LoadFile(configPath)
}

func newTransport(cfg *config.Config, factory logging.LoggerFactory) (signaling.Transport, error) {
	switch transportName {
	case "websocket", "ws":
		url := relayAddress
		if url == "" {
			url = cfg.Peer.SignalingURL
		}
		if conference {
			url = strings.TrimSuffix(strings.TrimSuffix(url, "/"), "/signal") + "/conference"
		}
		return signaling.NewWebSocketTransport(signaling.WebSocketConfig{URL: url, Token: token, LoggerFactory: factory}), nil
	case "text":
		address := relayAddress
		if address == "" {
			address = "localhost:" + cfg.TextPort
		}
		return signaling.NewTextTransport(signaling.TextConfig{Address: address, LoggerFactory: factory}), nil
	case "mqtt":
		broker := relayAddress
		if broker == "" {
			broker = cfg.MQTT.Broker
		}
		return signaling.NewMQTTTransport(signaling.MQTTConfig{Broker: broker, Prefix: cfg.MQTT.Prefix, LoggerFactory: factory}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
}

// run drives a ConnectionManager until interrupted. start issues the first
// StartServer or Connect.
func run(ctx context.Context, start func(*network.ConnectionManager)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	factory := logging.NewDefaultLoggerFactory()

	transport, err := newTransport(cfg, factory)
	if err != nil {
		return err
	}
	prims, err := peer.NewPionFactory(peer.PionConfig{
		IncludeLoopbackCandidates: loopback,
		LoggerFactory:             factory,
	})
	if err != nil {
		return err
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.Peer.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.Peer.ICEServers}}
	}
	m, err := network.NewConnectionManager(network.Config{
		Transport: transport,
		Factory:   prims,
		Peer: peer.Config{
			ICEServers:       iceServers,
			MaxICERestarts:   cfg.Peer.MaxICERestarts,
			SignalingTimeout: cfg.Peer.SignalingTimeout,
			LoggerFactory:    factory,
		},
		LoggerFactory: factory,
	})
	if err != nil {
		return err
	}
	defer m.Dispose()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	interval := cfg.Peer.UpdateInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	open := map[models.ConnectionID]bool{}
	start(m)
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			drain(m, open)
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			for id := range open {
				m.SendData(id, []byte(line), true)
			}

		case <-ticker.C:
			m.Update()
			if !drain(m, open) {
				return nil
			}
		}
	}
}

// drain prints queued events and tracks open connections. It reports false
// once the peer has nothing left to do.
func drain(m *network.ConnectionManager, open map[models.ConnectionID]bool) bool {
	alive := true
	for ev, ok := m.Dequeue(); ok; ev, ok = m.Dequeue() {
		switch ev.Kind {
		case models.EventServerInitialized:
			address, _ := ev.Text()
			fmt.Printf("listening on %s\n", address)
		case models.EventServerInitFailed:
			fmt.Println("could not publish the address")
			alive = false
		case models.EventNewConnection:
			open[ev.ConnectionID] = true
			fmt.Printf("[%d] connected\n", ev.ConnectionID)
		case models.EventConnectionFailed:
			fmt.Printf("[%d] connection failed\n", ev.ConnectionID)
		case models.EventDisconnected:
			delete(open, ev.ConnectionID)
			fmt.Printf("[%d] disconnected\n", ev.ConnectionID)
		case models.EventReliableMessageReceived, models.EventUnreliableMessageReceived:
			data, _ := ev.Bytes()
			fmt.Printf("[%d] %s\n", ev.ConnectionID, data)
		case models.EventServerClosed:
			fmt.Println("stopped listening")
		}
	}
	for ev, ok := m.DequeueRTCEvent(); ok; ev, ok = m.DequeueRTCEvent() {
		if state, isState := ev.(peer.StateChanged); isState {
			fmt.Printf("[%d] %s\n", state.ConnectionID, state.State)
		}
	}
	return alive
}
