package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "batch.triggered", map[string]string{"batchId": "b1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "batch.completed", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Event != "batch.triggered" || msgs[1].Event != "batch.completed" {
		t.Fatalf("events not recorded correctly: %+v", msgs)
	}

	msgs[0].Event = "modified"
	if pub.Messages()[0].Event == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFail(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Fail(errors.New("topic gone"))
	if _, err := pub.Publish(context.Background(), "batch.triggered", nil); err == nil {
		t.Fatal("expected injected error")
	}
	pub.Fail(nil)
	if _, err := pub.Publish(context.Background(), "batch.triggered", nil); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if len(pub.Messages()) != 1 {
		t.Fatalf("expected only the successful publish to be recorded")
	}
}
