package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"facegate/internal/core/models"
)

func TestPublishReachesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	client := make(Client, 4)
	if !h.Register(ctx, client) {
		t.Fatal("register failed")
	}

	h.Publish(models.Event{
		Type:   models.EventRecognition,
		Source: "api",
		Result: &models.MatchResult{
			Outcome:        models.OutcomeMatch,
			Identity:       "alice",
			AnnotatedImage: "data:image/jpeg;base64,AAAA",
		},
	})

	select {
	case msg := <-client:
		var ev models.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Result == nil || ev.Result.Identity != "alice" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Result.AnnotatedImage != "" {
			t.Error("annotated image must not be broadcast")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestUnregisterClosesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	client := make(Client, 1)
	h.Register(ctx, client)
	h.Unregister(client)

	select {
	case _, ok := <-client:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed")
	}
	if n := h.ClientCount(); n != 0 {
		t.Errorf("clients = %d", n)
	}
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	client := make(Client, 1)
	h.Register(ctx, client)
	cancel()
	<-done

	if _, ok := <-client; ok {
		t.Error("expected closed channel after shutdown")
	}
}
