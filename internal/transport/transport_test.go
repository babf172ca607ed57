package transport

import (
	"context"
	"testing"
	"time"
)

func requireNATS(t *testing.T) *Bus {
	t.Helper()
	bus, err := Connect("", nil)
	if err != nil {
		t.Skip("no local NATS server available")
	}
	return bus
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := requireNATS(t)
	defer bus.Close()

	received := make(chan []byte, 1)
	sub, err := bus.Subscribe("message.inbound", func(ctx context.Context, topic string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("message.inbound", map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-received:
		if len(payload) == 0 {
			t.Fatalf("expected non-empty payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for published event")
	}
}

func TestRequestChannelRoundTrip(t *testing.T) {
	bus := requireNATS(t)
	defer bus.Close()

	rc := NewRequestChannel(bus)
	sub, err := rc.Serve("conn-1", func(ctx context.Context, identity string, payload []byte) []byte {
		if identity != "conn-1" {
			t.Errorf("unexpected identity %q", identity)
		}
		return []byte(`{"ok":true}`)
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rc.Request(ctx, "conn-1", []byte(`{"tool":"echo"}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected response: %s", resp)
	}
}
