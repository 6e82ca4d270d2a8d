package eventstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_AppendAndRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e, err := Marshal("source-1", "source.registered.v1", "corr-1", map[string]string{"name": "billing"}, time.Now())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	version, err := store.Append(ctx, "source-1", NoStreamVersion, []Event{e})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	events, err := store.Read(ctx, "source-1", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Type != "source.registered.v1" {
		t.Errorf("Type = %s, want source.registered.v1", events[0].Type)
	}
}

func TestMemoryStore_ConcurrencyConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e, _ := Marshal("source-1", "source.registered.v1", "", nil, time.Now())
	if _, err := store.Append(ctx, "source-1", NoStreamVersion, []Event{e}); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}

	_, err := store.Append(ctx, "source-1", NoStreamVersion, []Event{e})
	if err != ErrConcurrencyConflict {
		t.Fatalf("Append() error = %v, want ErrConcurrencyConflict", err)
	}
}

func TestMemoryStore_SubscribeGlobal(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, _ := Marshal("source-1", "source.registered.v1", "", nil, time.Now())
	if _, err := store.Append(ctx, "source-1", NoStreamVersion, []Event{e}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	deliveries, _ := store.SubscribeGlobal(ctx, 0)

	select {
	case d := <-deliveries:
		if d.Checkpoint != 1 {
			t.Errorf("Checkpoint = %d, want 1", d.Checkpoint)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog delivery")
	}
}
