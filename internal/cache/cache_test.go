package cache

import (
	"testing"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
)

func TestResumeTokenIsOneTime(t *testing.T) {
	c := New(45*time.Second, 60*time.Second, 300*time.Second)
	c.PutResumeToken("tok", ResumeEntry{Handle: "alice"})

	entry, ok := c.ConsumeResumeToken("tok")
	if !ok || entry.Handle != "alice" {
		t.Fatalf("expected first consumption to succeed, got %+v, %v", entry, ok)
	}

	if _, ok := c.ConsumeResumeToken("tok"); ok {
		t.Errorf("a second consumption of the same resume token must fail")
	}
}

func TestPresenceCacheAbsenceMeansOffline(t *testing.T) {
	c := New(45*time.Second, 60*time.Second, 300*time.Second)
	if _, ok := c.GetPresence("ghost"); ok {
		t.Errorf("expected no presence record for a handle that was never put")
	}

	c.PutPresence("alice", domain.Presence{Handle: "alice", Status: domain.StatusOnline})
	if _, ok := c.GetPresence("alice"); !ok {
		t.Errorf("expected the just-put presence record to be retrievable")
	}

	c.RemovePresence("alice")
	if _, ok := c.GetPresence("alice"); ok {
		t.Errorf("expected presence to be absent after removal")
	}
}

func TestContactCacheInvalidation(t *testing.T) {
	c := New(45*time.Second, 60*time.Second, 300*time.Second)
	c.PutContacts("bob", []string{"alice"})
	if _, ok := c.GetContacts("bob"); !ok {
		t.Fatalf("expected contacts to be cached")
	}
	c.InvalidateContacts("bob")
	if _, ok := c.GetContacts("bob"); ok {
		t.Errorf("expected contacts to be evicted after invalidation")
	}
}

func TestBusPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	ch := make(chan Delta, 1)
	b.Subscribe("presence:alice", ch)

	b.Publish("presence:alice", Delta{Kind: "u", Handle: "alice"})

	select {
	case d := <-ch:
		if d.Handle != "alice" || d.Kind != "u" {
			t.Errorf("unexpected delta: %+v", d)
		}
	default:
		t.Fatalf("expected a delta to be delivered to the subscriber")
	}
}

func TestBusPublishSkipsFullSubscriberWithoutBlocking(t *testing.T) {
	b := NewBus()
	ch := make(chan Delta) // unbuffered, no reader
	b.Subscribe("presence:alice", ch)

	done := make(chan struct{})
	go func() {
		b.Publish("presence:alice", Delta{Kind: "u", Handle: "alice"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish must not block on a slow subscriber")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch := make(chan Delta, 1)
	b.Subscribe("presence:alice", ch)
	b.Unsubscribe("presence:alice", ch)

	b.Publish("presence:alice", Delta{Kind: "x", Handle: "alice"})

	select {
	case d := <-ch:
		t.Errorf("unexpected delta after unsubscribe: %+v", d)
	default:
	}
}
