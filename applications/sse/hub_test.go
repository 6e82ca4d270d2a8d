package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	h := New(4, nil)
	events, _, cancel := h.Subscribe("sub1")
	defer cancel()

	h.Publish(EventSourceRegistered, map[string]string{"id": "S1"})

	select {
	case ev := <-events:
		if ev.Name != EventSourceRegistered {
			t.Fatalf("Name = %q, want %q", ev.Name, EventSourceRegistered)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_SlowConsumerIsDisconnected(t *testing.T) {
	h := New(1, nil)
	_, closed, cancel := h.Subscribe("sub1")
	defer cancel()

	// Fill the bounded queue, then overflow it.
	h.Publish("e1", nil)
	h.Publish("e2", nil)

	select {
	case reason := <-closed:
		if reason != DisconnectSlowConsumer {
			t.Fatalf("reason = %q, want %q", reason, DisconnectSlowConsumer)
		}
	case <-time.After(time.Second):
		t.Fatal("expected slow consumer to be disconnected")
	}
	if h.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0 after disconnect", h.SubscriberCount())
	}
}

func TestHub_ShutdownDisconnectsAllSubscribers(t *testing.T) {
	h := New(4, nil)
	_, closed1, cancel1 := h.Subscribe("sub1")
	_, closed2, cancel2 := h.Subscribe("sub2")
	defer cancel1()
	defer cancel2()

	h.Shutdown()

	for _, closed := range []<-chan DisconnectReason{closed1, closed2} {
		select {
		case reason := <-closed:
			if reason != DisconnectShutdown {
				t.Fatalf("reason = %q, want %q", reason, DisconnectShutdown)
			}
		case <-time.After(time.Second):
			t.Fatal("expected shutdown disconnect")
		}
	}
}

func TestHub_ServeHTTPStreamsEvents(t *testing.T) {
	h := New(4, nil)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Publish(EventToolEnabled, map[string]string{"tool_id": "S1/op"})
	}()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("Read() error = %v", err)
	}
}
