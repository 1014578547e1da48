package sse

import (
	"strings"
	"testing"
)

func TestBroadcastReachesOwnerAndAll(t *testing.T) {
	hub := NewHub()
	owner, unsubOwner := hub.Subscribe("user-1")
	defer unsubOwner()
	other, unsubOther := hub.Subscribe("user-2")
	defer unsubOther()
	admin, unsubAdmin := hub.Subscribe(All)
	defer unsubAdmin()

	hub.Broadcast([]string{"user-1", "user-1", ""}, []byte("hello"))

	if got := string(<-owner); got != "hello" {
		t.Fatalf("owner got %q", got)
	}
	if got := string(<-admin); got != "hello" {
		t.Fatalf("admin got %q", got)
	}
	select {
	case msg := <-other:
		t.Fatalf("unrelated subscriber got %q", msg)
	default:
	}
	select {
	case <-owner:
		t.Fatalf("duplicate key delivered twice")
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe("user-1")
	for i := 0; i < 20; i++ {
		hub.Broadcast([]string{"user-1"}, []byte("x"))
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected full buffer, got %d", len(ch))
	}
	unsubscribe()
	unsubscribe()
	hub.Broadcast([]string{"user-1"}, []byte("after"))
}

func TestEvent(t *testing.T) {
	frame, err := Event("message", map[string]string{"id": "m1"})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if got := string(frame); !strings.HasPrefix(got, "event: message\ndata: {\"id\":\"m1\"}") || !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("unexpected frame %q", got)
	}
}
