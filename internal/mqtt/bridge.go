//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tuya-meter-gateway/internal/session"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Bridge publishes decoded meter attributes to MQTT with HA autodiscovery and
// accepts raw 0xEF00 payloads on <prefix>/<device>/raw.
type Bridge struct {
	client   pahomqtt.Client
	sessions *session.Manager
	prefix   string
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // device ID -> slot map
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(sessions *session.Manager, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		sessions: sessions,
		prefix:   cfg.TopicPrefix,
		logger:   logger.With("component", "mqtt"),
		states:   make(map[string]map[string]any),
		ctx:      ctx,
		cancel:   cancel,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tuya-meter-gateway"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeRaw()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return b, nil
}

// Start subscribes to session events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.sessions.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop unsubscribes from events, publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event session.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	id, _ := data["device"].(string)
	if id == "" {
		return
	}

	switch event.Type {
	case session.EventAttributeUpdate:
		slot, _ := data["slot"].(string)
		changed, _ := data["changed"].(bool)
		if slot == "" || !changed {
			return
		}
		b.updateAndPublishState(id, slot, data["value"])
	case session.EventSessionOpened:
		if s, ok := b.sessions.Get(id); ok {
			b.publishSessionDiscovery(s)
			b.publishSnapshot(s)
		}
	case session.EventSessionClosed:
		b.handleSessionClosed(id)
	}
}

func (b *Bridge) updateAndPublishState(id, slot string, value any) {
	dev, err := b.sessions.Devices().GetDevice(id)
	if err != nil {
		b.logger.Warn("state for unknown device", "device", id, "err", err)
		return
	}

	b.mu.Lock()
	state, ok := b.states[id]
	if !ok {
		state = make(map[string]any)
		b.states[id] = state
	}
	state[slot] = value
	state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+deviceTopicName(dev), payload, true)
}

// publishSnapshot seeds the retained state topic with every value the
// session already holds, constants included.
func (b *Bridge) publishSnapshot(s *session.Session) {
	snap := s.Attributes().Snapshot()
	if len(snap) == 0 {
		return
	}
	dev, err := b.sessions.Devices().GetDevice(s.ID())
	if err != nil {
		b.logger.Warn("snapshot for unknown device", "device", s.ID(), "err", err)
		return
	}

	b.mu.Lock()
	state, ok := b.states[s.ID()]
	if !ok {
		state = make(map[string]any, len(snap)+1)
		b.states[s.ID()] = state
	}
	for slot, v := range snap {
		state[slot] = v.Value
	}
	if !dev.LastSeen.IsZero() {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+deviceTopicName(dev), payload, true)
}

func (b *Bridge) handleSessionClosed(id string) {
	dev, err := b.sessions.Devices().GetDevice(id)
	if err == nil {
		p := b.sessions.Profiles().Lookup(dev.Manufacturer, dev.Model)
		if p != nil {
			for _, msg := range buildRemoveDiscovery(dev, p.Table) {
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
	}

	b.mu.Lock()
	delete(b.states, id)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, s := range b.sessions.List() {
		b.publishSessionDiscovery(s)
		b.publishSnapshot(s)
	}
}

func (b *Bridge) publishSessionDiscovery(s *session.Session) {
	dev, err := b.sessions.Devices().GetDevice(s.ID())
	if err != nil {
		b.logger.Error("load device for discovery", "device", s.ID(), "err", err)
		return
	}
	for _, msg := range buildDiscovery(dev, s.Table(), b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", dev.ID, "name", dev.DisplayName())
}

func (b *Bridge) subscribeRaw() {
	topic := b.prefix + "/+/raw"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRaw(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleRaw(topic string, payload []byte) {
	name, ok := rawTopicDevice(b.prefix, topic)
	if !ok {
		return
	}
	id := b.resolveTopicName(name)
	if id == "" {
		b.logger.Warn("raw payload for unknown device", "topic", topic)
		return
	}

	data, err := decodeRawPayload(payload)
	if err != nil {
		b.logger.Warn("invalid raw payload", "device", id, "err", err)
		return
	}
	updates, err := b.sessions.DispatchClusterPayload(id, data)
	if err != nil {
		b.logger.Debug("raw payload partially discarded", "device", id, "updates", len(updates), "err", err)
	}
}

// resolveTopicName maps a topic segment back to a device ID.
func (b *Bridge) resolveTopicName(name string) string {
	for _, s := range b.sessions.List() {
		dev := s.Device()
		if s.ID() == name || deviceTopicName(&dev) == name {
			return s.ID()
		}
	}
	return ""
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// rawTopicDevice extracts the device segment of <prefix>/<device>/raw.
func rawTopicDevice(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/raw")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// decodeRawPayload accepts hex with optional 0x prefix, spaces or colons.
func decodeRawPayload(payload []byte) ([]byte, error) {
	s := strings.TrimSpace(string(payload))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return data, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
