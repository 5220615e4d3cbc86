// Package busclient connects to the machine telemetry bus and feeds
// machine state transitions into the State Store and Event Bus (spec
// §4.3, component C5).
//
// Grounded on github.com/eclipse/paho.mqtt.golang (declared by both
// retrieved tiUlisses-cam-bus and quando2299-rmcs manifests as the pack's
// MQTT client), the retrieved tiUlisses-cam-bus supervisor's
// subscribe-dispatch-and-republish consumption pattern, and the original
// Python service's usda_vision_system/mqtt/client.py for the
// bounded-retry reconnection and statistics semantics that paho itself
// leaves to the caller.
package busclient

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/errs"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/store"
)

const (
	reconnectDelay      = 5 * time.Second
	maxReconnectAttempt = 10
)

// Stats is an immutable snapshot of the client's connection bookkeeping.
type Stats struct {
	Connected       bool
	BrokerAddress   string
	Topics          []string
	MessageCount    uint64
	ErrorCount      uint64
	LastMessageTime time.Time
	ConnectedSince  time.Time
}

// Client owns one MQTT connection, the topic->machine mapping, and the
// reconnection policy described in spec §4.3.
type Client struct {
	cfg    config.BusConfig
	store  *store.Store
	bus    *eventbus.Bus
	logger *logging.Logger

	mqttClient mqtt.Client

	mu              sync.Mutex
	connected       bool
	connectedSince  time.Time
	messageCount    uint64
	errorCount      uint64
	lastMessageTime time.Time
	giveUp          bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a disconnected Client for cfg.
func New(cfg config.BusConfig, st *store.Store, bus *eventbus.Bus, logger *logging.Logger) *Client {
	return &Client{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (c *Client) brokerAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort)
}

// Start connects to the broker, blocking through the bounded retry loop
// (up to maxReconnectAttempt attempts, reconnectDelay apart) until the
// first connection succeeds or the attempts are exhausted. Later
// reconnections are driven from paho's OnConnectionLost/OnConnect hooks.
func (c *Client) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.brokerAddress())
	opts.SetClientID(fmt.Sprintf("vision-coordinator-%d", time.Now().UnixNano()))
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(false) // we drive our own bounded-retry policy
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)

	c.mqttClient = mqtt.NewClient(opts)
	return c.connectWithRetry()
}

func (c *Client) connectWithRetry() error {
	var lastErr error
	for attempt := 1; attempt <= maxReconnectAttempt; attempt++ {
		token := c.mqttClient.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			return nil
		}
		lastErr = token.Error()
		c.logger.WithField("attempt", attempt).Warnf("bus connection attempt failed: %v", lastErr)

		select {
		case <-time.After(reconnectDelay):
		case <-c.stopChan:
			return errs.New(errs.KindTransientBusDisconnect, "busclient.Start", "stopped during connect")
		}
	}

	c.mu.Lock()
	c.giveUp = true
	c.mu.Unlock()
	return errs.Wrap(errs.KindFatalBusGiveUp, "busclient.Start",
		fmt.Sprintf("exhausted %d connection attempts", maxReconnectAttempt), lastErr)
}

func (c *Client) handleConnect(client mqtt.Client) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.connectedSince = time.Now()
	c.giveUp = false
	c.mu.Unlock()

	for machine, topic := range c.cfg.Topics {
		machine := machine
		if token := client.Subscribe(topic, 1, c.makeHandler(machine, topic)); token.Wait() && token.Error() != nil {
			c.logger.Errorf("subscribe to %s failed: %v", topic, token.Error())
		}
	}

	if !wasConnected {
		c.bus.Publish(eventbus.TopicBusConnected, "busclient", map[string]interface{}{
			"broker_address": c.brokerAddress(),
		}, time.Now())
	}
}

func (c *Client) handleConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.bus.Publish(eventbus.TopicBusDisconnected, "busclient", map[string]interface{}{
		"reason": err.Error(),
	}, time.Now())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if rerr := c.connectWithRetry(); rerr != nil {
			c.logger.Errorf("giving up on bus reconnection: %v", rerr)
		}
	}()
}

func (c *Client) makeHandler(machine, topic string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		now := time.Now()
		raw := string(msg.Payload())

		c.mu.Lock()
		c.messageCount++
		c.lastMessageTime = now
		c.mu.Unlock()

		normalized := store.NormalizePayload(raw)
		c.store.AddBusEvent(machine, topic, raw, normalized, now)
		changed := c.store.UpdateMachine(machine, raw, topic, now)

		if changed {
			c.bus.Publish(eventbus.TopicMachineStateChanged, "busclient", map[string]interface{}{
				"machine_name": machine,
				"state":        string(normalized),
				"topic":        topic,
			}, now)
		}
	}
}

// Stop disconnects cleanly and stops any in-flight reconnection loop.
func (c *Client) Stop() error {
	close(c.stopChan)
	c.wg.Wait()
	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(250)
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Stats returns an immutable snapshot of the client's bookkeeping.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.cfg.Topics))
	for _, t := range c.cfg.Topics {
		topics = append(topics, t)
	}

	return Stats{
		Connected:       c.connected,
		BrokerAddress:   c.brokerAddress(),
		Topics:          topics,
		MessageCount:    c.messageCount,
		ErrorCount:      c.errorCount,
		LastMessageTime: c.lastMessageTime,
		ConnectedSince:  c.connectedSince,
	}
}
