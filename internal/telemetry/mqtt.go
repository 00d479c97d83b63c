// Package telemetry publishes gateway events and cycle metrics to
// external supervisory systems: MQTT for event notification, InfluxDB
// for historical cycle-time analysis. Both are optional and enabled
// only when their respective config key is set.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the event publisher.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Topic          string // base topic; events publish under Topic+"/"+kind
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
}

// Event is one gateway occurrence worth telling a supervisory system
// about: a bus error entering or clearing, a watchdog arming,
// tripping, or being stopped, or a config reload.
type Event struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// MQTTPublisher publishes Events to a broker, connecting lazily on
// first use and reconnecting per the client's own AutoReconnect
// policy thereafter.
type MQTTPublisher struct {
	cfg    MQTTConfig
	log    *zap.Logger
	client mqtt.Client

	mu        sync.Mutex
	connected bool
}

// NewMQTTPublisher builds a publisher; it does not connect until the
// first Publish call.
func NewMQTTPublisher(cfg MQTTConfig, log *zap.Logger) *MQTTPublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("kbusmodbusgw_%d", time.Now().UnixNano())
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTTPublisher{cfg: cfg, log: log}
}

func (p *MQTTPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(p.cfg.AutoReconnect)
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetConnectTimeout(p.cfg.ConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("telemetry: mqtt connect timed out")
	}
	if token.Error() != nil {
		return fmt.Errorf("telemetry: mqtt connect: %w", token.Error())
	}

	p.client = client
	p.connected = true
	return nil
}

// Publish sends one Event under cfg.Topic + "/" + event.Kind.
func (p *MQTTPublisher) Publish(event Event) {
	if err := p.connect(); err != nil {
		if p.log != nil {
			p.log.Warn("telemetry: mqtt publish skipped, connect failed", zap.Error(err))
		}
		return
	}

	event.Timestamp = time.Now()
	payload, err := json.Marshal(event)
	if err != nil {
		if p.log != nil {
			p.log.Warn("telemetry: mqtt event marshal failed", zap.Error(err))
		}
		return
	}

	topic := p.cfg.Topic + "/" + event.Kind
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	token.Wait()
	if token.Error() != nil && p.log != nil {
		p.log.Warn("telemetry: mqtt publish failed", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

// Close disconnects the client if connected.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected && p.client != nil {
		p.client.Disconnect(250)
		p.connected = false
	}
}
