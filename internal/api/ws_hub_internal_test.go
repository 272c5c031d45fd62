package api

import (
	"testing"

	"github.com/atmx/contest-engine/internal/model"
)

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	c := &wsClient{
		mailbox:     make(chan []byte, 3),
		done:        make(chan struct{}),
		instruments: make(map[string]bool),
	}

	for _, msg := range []string{"1", "2", "3", "4", "5"} {
		c.enqueue([]byte(msg))
	}

	var got []string
	for len(c.mailbox) > 0 {
		got = append(got, string(<-c.mailbox))
	}
	want := []string{"3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestPublish_RoutesByInstrument(t *testing.T) {
	h := NewWSHub(8)
	tcs := &wsClient{mailbox: make(chan []byte, 8), done: make(chan struct{}), instruments: map[string]bool{}}
	other := &wsClient{mailbox: make(chan []byte, 8), done: make(chan struct{}), instruments: map[string]bool{}}
	h.clients[tcs] = true
	h.clients[other] = true
	h.join(tcs, "TCS")

	if !h.HasSubscribers("TCS") {
		t.Fatal("expected TCS subscriber")
	}

	h.Publish(modelEvent("tick", "TCS"))
	h.Publish(modelEvent("snapshot", ""))

	if len(tcs.mailbox) != 2 {
		t.Errorf("subscribed client: expected 2 messages, got %d", len(tcs.mailbox))
	}
	if len(other.mailbox) != 1 {
		t.Errorf("unsubscribed client: expected 1 message, got %d", len(other.mailbox))
	}

	h.leave(tcs, "TCS")
	if h.HasSubscribers("TCS") {
		t.Error("expected no TCS subscribers after leave")
	}
}

func modelEvent(typ, instrument string) model.Event {
	return model.Event{Type: typ, Instrument: instrument}
}
