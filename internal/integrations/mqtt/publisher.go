package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"facegate/internal/core/models"
	"facegate/internal/core/processor"

	log "github.com/sirupsen/logrus"
)

// MessagePublisher ist die Sendeschnittstelle des Clients
type MessagePublisher interface {
	PublishMessage(topic string, payload interface{}, retain bool) error
}

// Topics unterhalb des konfigurierten Präfixes
func AvailabilityTopic(prefix string) string { return prefix + "/availability" }
func RecognitionTopic(prefix string) string  { return prefix + "/recognition" }
func DatabaseTopic(prefix string) string     { return prefix + "/database" }
func RequestTopic(prefix string) string      { return prefix + "/recognize" }

// IdentityTopic liefert das Topic mit dem letzten Treffer einer Identität
func IdentityTopic(prefix, identity string) string {
	// MQTT-Platzhalter dürfen nicht im Topic stehen
	r := strings.NewReplacer("+", "_", "#", "_", "/", "_")
	return prefix + "/identities/" + r.Replace(identity)
}

// RecognitionMessage ist die Nutzlast auf dem Recognition-Topic
type RecognitionMessage struct {
	RequestID string         `json:"id,omitempty"`
	Outcome   models.Outcome `json:"outcome"`
	Identity  string         `json:"identity"`
	Score     *float64       `json:"score"`
	Region    *models.Region `json:"region,omitempty"`
	Compared  int            `json:"compared"`
	Failed    int            `json:"failed"`
	TimedOut  bool           `json:"timed_out"`
	Duration  float64        `json:"duration"` // Sekunden
	Source    string         `json:"source,omitempty"`
	Detector  string         `json:"detector,omitempty"`
	Model     string         `json:"model,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IdentityMessage wird bei einem Treffer mit Retain-Flag veröffentlicht
type IdentityMessage struct {
	Identity  string    `json:"identity"`
	Score     float64   `json:"score"`
	Filename  string    `json:"filename,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DatabaseMessage meldet Änderungen an der Gesichtsdatenbank
type DatabaseMessage struct {
	Type      models.EventType `json:"type"`
	Identity  string           `json:"identity"`
	Filename  string           `json:"filename,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher verteilt Ereignisse auf MQTT-Topics
type Publisher struct {
	client MessagePublisher
	prefix string
}

// NewPublisher erstellt einen neuen Publisher
func NewPublisher(client MessagePublisher, topicPrefix string) *Publisher {
	return &Publisher{client: client, prefix: strings.TrimSuffix(topicPrefix, "/")}
}

// Publish implementiert processor.EventSink
func (p *Publisher) Publish(ev models.Event) {
	switch ev.Type {
	case models.EventRecognition:
		p.publishRecognition(ev)
	case models.EventReferenceEnrolled, models.EventReferenceRemoved, models.EventIdentityRemoved:
		p.send(DatabaseTopic(p.prefix), DatabaseMessage{
			Type:      ev.Type,
			Identity:  ev.Identity,
			Filename:  ev.Filename,
			Timestamp: ev.Timestamp,
		}, false)
	}
}

func (p *Publisher) publishRecognition(ev models.Event) {
	res := ev.Result
	if res == nil {
		return
	}
	p.send(RecognitionTopic(p.prefix), RecognitionMessage{
		RequestID: ev.RequestID,
		Outcome:   res.Outcome,
		Identity:  res.Identity,
		Score:     res.Score,
		Region:    res.Region,
		Compared:  res.Compared,
		Failed:    res.Failed,
		TimedOut:  res.TimedOut,
		Duration:  res.Duration.Seconds(),
		Source:    ev.Source,
		Detector:  ev.Detector,
		Model:     ev.Model,
		Timestamp: ev.Timestamp,
	}, false)

	if res.Outcome == models.OutcomeMatch && res.Score != nil {
		msg := IdentityMessage{
			Identity:  res.Identity,
			Score:     *res.Score,
			Source:    ev.Source,
			Timestamp: ev.Timestamp,
		}
		if res.Matched != nil {
			msg.Filename = res.Matched.Filename
		}
		p.send(IdentityTopic(p.prefix, res.Identity), msg, true)
	}
}

func (p *Publisher) send(topic string, payload interface{}, retain bool) {
	if err := p.client.PublishMessage(topic, payload, retain); err != nil {
		log.WithError(err).Debugf("Failed to publish MQTT message to %s", topic)
	}
}

// Recognizer führt eine Erkennung für ein Transportbild aus
type Recognizer interface {
	Recognize(ctx context.Context, encoded, source string) (*models.MatchResult, error)
}

// RequestHandler nimmt Erkennungsanfragen über MQTT entgegen. Das Ergebnis
// erscheint wie jede Erkennung auf dem Recognition-Topic.
type RequestHandler struct {
	recognizer Recognizer
	timeout    time.Duration
}

// NewRequestHandler erstellt einen Handler für das Request-Topic
func NewRequestHandler(r Recognizer, timeout time.Duration) *RequestHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RequestHandler{recognizer: r, timeout: timeout}
}

// recognizeRequest ist die Nutzlast auf dem Request-Topic. Die ID erscheint
// im Ergebnis auf dem Recognition-Topic.
type recognizeRequest struct {
	File string `json:"file"`
	ID   string `json:"id"`
}

// HandleMessage implementiert MessageHandler
func (h *RequestHandler) HandleMessage(topic string, payload []byte) {
	var req recognizeRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.File == "" {
		log.Warnf("Ignoring malformed recognition request on %s", topic)
		return
	}

	ctx, cancel := context.WithTimeout(processor.WithRequestID(context.Background(), req.ID), h.timeout)
	defer cancel()

	if _, err := h.recognizer.Recognize(ctx, req.File, "mqtt"); err != nil {
		log.WithError(err).WithField("request_id", req.ID).Warn("MQTT recognition request failed")
	}
}
