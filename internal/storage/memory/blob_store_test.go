package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"batch":"b1"}`)
	uri, err := store.PutObject(context.Background(), "summaries/b1.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://summaries/b1.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = '['
	stored, ok := store.Object("summaries/b1.json")
	if !ok || string(stored) != `{"batch":"b1"}` {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
