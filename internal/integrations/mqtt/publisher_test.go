package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"facegate/internal/core/models"
	"facegate/internal/core/processor"
)

type sentMessage struct {
	topic   string
	payload []byte
	retain  bool
}

type fakeClient struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeClient) PublishMessage(topic string, payload interface{}, retain bool) error {
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{topic: topic, payload: b, retain: retain})
	f.mu.Unlock()
	return nil
}

func TestPublishMatch(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "facegate/")

	score := 0.21
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.Publish(models.Event{
		Type:      models.EventRecognition,
		Timestamp: ts,
		Source:    "api",
		Result: &models.MatchResult{
			Outcome:  models.OutcomeMatch,
			Identity: "alice",
			Score:    &score,
			Compared: 3,
			Matched:  &models.Reference{Identity: "alice", Filename: "abc.jpg"},
			Duration: 1500 * time.Millisecond,
		},
	})

	if len(client.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(client.sent))
	}

	rec := client.sent[0]
	if rec.topic != "facegate/recognition" || rec.retain {
		t.Errorf("recognition topic = %s retain = %v", rec.topic, rec.retain)
	}
	var msg RecognitionMessage
	if err := json.Unmarshal(rec.payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Identity != "alice" || msg.Compared != 3 || msg.Duration != 1.5 || *msg.Score != score {
		t.Errorf("message = %+v", msg)
	}

	id := client.sent[1]
	if id.topic != "facegate/identities/alice" || !id.retain {
		t.Errorf("identity topic = %s retain = %v", id.topic, id.retain)
	}
	var idMsg IdentityMessage
	if err := json.Unmarshal(id.payload, &idMsg); err != nil {
		t.Fatal(err)
	}
	if idMsg.Filename != "abc.jpg" || !idMsg.Timestamp.Equal(ts) {
		t.Errorf("identity message = %+v", idMsg)
	}
}

func TestPublishUnknownHasNoIdentityTopic(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "facegate")

	p.Publish(models.Event{
		Type:   models.EventRecognition,
		Result: &models.MatchResult{Outcome: models.OutcomeUnknown, Identity: models.UnknownIdentity},
	})

	if len(client.sent) != 1 || client.sent[0].topic != "facegate/recognition" {
		t.Errorf("sent = %+v", client.sent)
	}
	if string(client.sent[0].payload) == "" {
		t.Error("empty payload")
	}
}

func TestPublishDatabaseEvents(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "fg")

	p.Publish(models.Event{Type: models.EventReferenceEnrolled, Identity: "bob", Filename: "1.jpg"})
	p.Publish(models.Event{Type: models.EventIdentityRemoved, Identity: "bob"})

	if len(client.sent) != 2 {
		t.Fatalf("sent %d", len(client.sent))
	}
	for _, m := range client.sent {
		if m.topic != "fg/database" {
			t.Errorf("topic = %s", m.topic)
		}
	}
}

func TestPublishErrorsAreSwallowed(t *testing.T) {
	p := NewPublisher(&fakeClient{err: errors.New("not connected")}, "fg")
	p.Publish(models.Event{Type: models.EventIdentityRemoved, Identity: "bob"})
}

func TestIdentityTopicEscapesWildcards(t *testing.T) {
	if got := IdentityTopic("fg", "a+b#c/d"); got != "fg/identities/a_b_c_d" {
		t.Errorf("topic = %s", got)
	}
}

// fakeRecognizer veröffentlicht wie die Pipeline ein Ereignis mit der Anfrage-ID
type fakeRecognizer struct {
	mu      sync.Mutex
	encoded []string
	sink    *Publisher
}

func (f *fakeRecognizer) Recognize(ctx context.Context, encoded, source string) (*models.MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if source != "mqtt" {
		return nil, errors.New("unexpected source")
	}
	f.encoded = append(f.encoded, encoded)
	res := &models.MatchResult{Outcome: models.OutcomeUnknown, Identity: models.UnknownIdentity}
	if f.sink != nil {
		f.sink.Publish(models.Event{
			Type:      models.EventRecognition,
			Source:    source,
			RequestID: processor.RequestID(ctx),
			Result:    res,
		})
	}
	return res, nil
}

func TestRequestHandler(t *testing.T) {
	r := &fakeRecognizer{}
	h := NewRequestHandler(r, time.Second)

	h.HandleMessage("fg/recognize", []byte(`{"file":"data:image/jpeg;base64,AAAA"}`))
	h.HandleMessage("fg/recognize", []byte(`not json`))
	h.HandleMessage("fg/recognize", []byte(`{}`))

	if len(r.encoded) != 1 || r.encoded[0] != "data:image/jpeg;base64,AAAA" {
		t.Errorf("recognized = %v", r.encoded)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	client := &fakeClient{}
	r := &fakeRecognizer{sink: NewPublisher(client, "fg")}
	h := NewRequestHandler(r, time.Second)

	h.HandleMessage("fg/recognize", []byte(`{"file":"data:image/jpeg;base64,AAAA","id":"42"}`))
	h.HandleMessage("fg/recognize", []byte(`{"file":"data:image/jpeg;base64,BBBB","id":"43"}`))
	h.HandleMessage("fg/recognize", []byte(`{"file":"data:image/jpeg;base64,CCCC"}`))

	if len(client.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(client.sent))
	}
	for i, want := range []string{"42", "43", ""} {
		sent := client.sent[i]
		if sent.topic != "fg/recognition" {
			t.Errorf("topic = %s", sent.topic)
		}
		var msg RecognitionMessage
		if err := json.Unmarshal(sent.payload, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.RequestID != want {
			t.Errorf("message %d id = %q, want %q", i, msg.RequestID, want)
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(client.sent[0].payload, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["id"] != "42" {
		t.Errorf("payload = %s", client.sent[0].payload)
	}
	if _, ok := raw["file"]; ok {
		t.Error("image must not be echoed")
	}
}
