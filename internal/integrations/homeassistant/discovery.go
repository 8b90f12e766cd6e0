package homeassistant

import (
	"fmt"
	"strings"
	"sync"

	"facegate/internal/core/models"
	"facegate/internal/integrations/mqtt"

	log "github.com/sirupsen/logrus"
)

// Konstanten für die Home Assistant MQTT Discovery
const (
	DefaultDiscoveryPrefix = "homeassistant"
	ComponentSensor        = "sensor"
	NodeID                 = "facegate"
)

// SensorConfig ist die Discovery-Konfiguration eines Sensors
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	DeviceClass         string  `json:"device_class,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device fasst alle Sensoren in Home Assistant unter einem Gerät zusammen
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

var device = &Device{
	Identifiers:  []string{"facegate"},
	Name:         "facegate",
	Manufacturer: "facegate",
	Model:        "Face recognition service",
}

// DiscoveryManager meldet pro Identität einen Sensor "zuletzt erkannt"
// und einen Sensor für das letzte Erkennungsergebnis an
type DiscoveryManager struct {
	client          mqtt.MessagePublisher
	prefix          string
	discoveryPrefix string

	mu         sync.Mutex
	registered map[string]bool
}

// NewDiscoveryManager erstellt einen neuen Manager für Home Assistant Discovery
func NewDiscoveryManager(client mqtt.MessagePublisher, topicPrefix, discoveryPrefix string) *DiscoveryManager {
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	return &DiscoveryManager{
		client:          client,
		prefix:          strings.TrimSuffix(topicPrefix, "/"),
		discoveryPrefix: strings.TrimSuffix(discoveryPrefix, "/"),
		registered:      make(map[string]bool),
	}
}

// ObjectID normalisiert einen Namen für Discovery-Topics und unique_id
func ObjectID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (dm *DiscoveryManager) configTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", dm.discoveryPrefix, ComponentSensor, NodeID, objectID)
}

// RegisterAll veröffentlicht den Ergebnis-Sensor und je einen Sensor pro Identität.
// Bereits gemeldete Identitäten werden erneut gesendet.
func (dm *DiscoveryManager) RegisterAll(identities []string) error {
	last := SensorConfig{
		Name:                "facegate last recognition",
		UniqueID:            "facegate_last_recognition",
		StateTopic:          mqtt.RecognitionTopic(dm.prefix),
		JSONAttributesTopic: mqtt.RecognitionTopic(dm.prefix),
		ValueTemplate:       "{{ value_json.identity }}",
		Icon:                "mdi:face-recognition",
		AvailabilityTopic:   mqtt.AvailabilityTopic(dm.prefix),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              device,
	}
	if err := dm.client.PublishMessage(dm.configTopic("last_recognition"), last, true); err != nil {
		return fmt.Errorf("failed to publish discovery configuration: %w", err)
	}

	dm.mu.Lock()
	dm.registered = make(map[string]bool)
	dm.mu.Unlock()

	for _, identity := range identities {
		if err := dm.registerIdentity(identity); err != nil {
			log.Errorf("Failed to register sensor for identity %s: %v", identity, err)
		}
	}
	log.Infof("Registered %d identities with Home Assistant", len(identities))
	return nil
}

func (dm *DiscoveryManager) registerIdentity(identity string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.registered[identity] {
		return nil
	}

	id := ObjectID(identity)
	cfg := SensorConfig{
		Name:                fmt.Sprintf("facegate %s", identity),
		UniqueID:            "facegate_" + id,
		StateTopic:          mqtt.IdentityTopic(dm.prefix, identity),
		JSONAttributesTopic: mqtt.IdentityTopic(dm.prefix, identity),
		ValueTemplate:       "{{ value_json.timestamp }}",
		DeviceClass:         "timestamp",
		Icon:                "mdi:account",
		AvailabilityTopic:   mqtt.AvailabilityTopic(dm.prefix),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              device,
	}
	if err := dm.client.PublishMessage(dm.configTopic(id), cfg, true); err != nil {
		return err
	}
	dm.registered[identity] = true
	return nil
}

// unregisterIdentity entfernt den Sensor durch eine leere, gehaltene Nachricht
func (dm *DiscoveryManager) unregisterIdentity(identity string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.client.PublishMessage(dm.configTopic(ObjectID(identity)), "", true); err != nil {
		return err
	}
	delete(dm.registered, identity)
	return nil
}

// Publish implementiert processor.EventSink
func (dm *DiscoveryManager) Publish(ev models.Event) {
	var err error
	switch ev.Type {
	case models.EventReferenceEnrolled:
		err = dm.registerIdentity(ev.Identity)
	case models.EventIdentityRemoved:
		err = dm.unregisterIdentity(ev.Identity)
	default:
		return
	}
	if err != nil {
		log.WithError(err).Debugf("Failed to update Home Assistant discovery for %s", ev.Identity)
	}
}
