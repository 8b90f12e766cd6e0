package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"facegate/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Client ist der MQTT-Client für Ereignisse und Erkennungsanfragen
type Client struct {
	config    config.MQTTConfig
	client    mqtt.Client
	mu        sync.RWMutex
	handlers  map[string]MessageHandler // Topic -> Handler
	onConnect []func()
}

// MessageHandler verarbeitet eingehende MQTT-Nachrichten
type MessageHandler interface {
	HandleMessage(topic string, payload []byte)
}

// NewClient erstellt einen neuen MQTT-Client
func NewClient(cfg config.MQTTConfig) *Client {
	return &Client{
		config:   cfg,
		handlers: make(map[string]MessageHandler),
	}
}

// Subscribe registriert einen Handler für ein Topic. Abonniert wird bei jeder
// (Wieder-)Verbindung.
func (c *Client) Subscribe(topic string, handler MessageHandler) {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()
	log.Debugf("Registered MQTT handler for %s", topic)
}

// OnConnect registriert einen Callback, der nach jeder (Wieder-)Verbindung läuft
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Start verbindet den Client mit dem Broker
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := clientOptions(c.config)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("MQTT connection to %s lost: %v", c.config.Broker, err)
	})
	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("timed out connecting to MQTT broker %s:%d", c.config.Broker, c.config.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s:%d: %w", c.config.Broker, c.config.Port, err)
	}
	return nil
}

// Stop beendet den MQTT-Client
func (c *Client) Stop() {
	if !c.IsConnected() {
		return
	}
	if err := c.PublishMessage(AvailabilityTopic(c.config.TopicPrefix), "offline", true); err != nil {
		log.Debugf("Failed to publish offline availability: %v", err)
	}
	c.client.Disconnect(250)
	log.Info("MQTT client disconnected")
}

// IsConnected prüft, ob der Client verbunden ist
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// clientOptions baut die paho-Optionen inklusive Last Will
func clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetWill(AvailabilityTopic(cfg.TopicPrefix), "offline", 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	return opts
}

func (c *Client) handleConnect(client mqtt.Client) {
	log.Infof("MQTT connected to %s:%d as %s", c.config.Broker, c.config.Port, c.config.ClientID)

	if token := client.Publish(AvailabilityTopic(c.config.TopicPrefix), 1, true, "online"); token.Wait() && token.Error() != nil {
		log.Warnf("Failed to publish availability: %v", token.Error())
	}

	c.mu.RLock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	hooks := append([]func(){}, c.onConnect...)
	c.mu.RUnlock()

	for _, topic := range topics {
		if token := client.Subscribe(topic, 1, c.dispatch); token.Wait() && token.Error() != nil {
			log.Errorf("Failed to subscribe to %s: %v", topic, token.Error())
			continue
		}
		log.Debugf("Subscribed to %s", topic)
	}
	// Hooks publizieren selbst und warten auf Tokens
	for _, fn := range hooks {
		go fn()
	}
}

func (c *Client) dispatch(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	c.mu.RLock()
	handler, ok := c.handlers[topic]
	c.mu.RUnlock()
	if !ok {
		return
	}
	// Handler dürfen blockieren, der paho-Router nicht
	go handler.HandleMessage(topic, msg.Payload())
}

// PublishMessage veröffentlicht eine Nachricht an ein MQTT-Topic
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	token := c.client.Publish(topic, 1, retain, body)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// ErrNotConnected wird geliefert, solange keine Verbindung zum Broker besteht
var ErrNotConnected = errors.New("MQTT client is not connected")

// encodePayload: Strings und Bytes gehen roh raus, alles andere als JSON
func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return b, nil
	}
}
