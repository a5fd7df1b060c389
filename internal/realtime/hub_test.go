package realtime

import (
	"testing"
	"time"
)

type evictionCounter struct {
	count int
}

func (c *evictionCounter) SubscriberEvicted() { c.count++ }

func receiveFrame(t *testing.T, subscriber *Subscriber) []byte {
	t.Helper()
	select {
	case frame, ok := <-subscriber.Stream():
		if !ok {
			t.Fatalf("subscriber stream closed")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func expectNoFrame(t *testing.T, subscriber *Subscriber) {
	t.Helper()
	select {
	case frame, ok := <-subscriber.Stream():
		if ok {
			t.Fatalf("unexpected frame %s", frame)
		}
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHubPublishReachesGroupOnly(t *testing.T) {
	hub := NewHub(HubConfig{})
	alice := hub.Register()
	bob := hub.Register()
	outsider := hub.Register()
	hub.Join(alice, "t1")
	hub.Join(bob, "t1")
	hub.Join(outsider, "t2")

	hub.Publish("t1", []byte("hello"), nil)

	if string(receiveFrame(t, alice)) != "hello" || string(receiveFrame(t, bob)) != "hello" {
		t.Fatalf("group members did not receive the frame")
	}
	expectNoFrame(t, outsider)
}

func TestHubPublishCanSkipSender(t *testing.T) {
	hub := NewHub(HubConfig{})
	alice := hub.Register()
	bob := hub.Register()
	hub.Join(alice, "t1")
	hub.Join(bob, "t1")

	hub.Publish("t1", []byte("typing"), alice)

	receiveFrame(t, bob)
	expectNoFrame(t, alice)
}

func TestHubJoinLeavesPreviousGroup(t *testing.T) {
	hub := NewHub(HubConfig{})
	subscriber := hub.Register()
	hub.Join(subscriber, "t1")
	hub.Join(subscriber, "t2")

	if hub.GroupSize("t1") != 0 || hub.GroupSize("t2") != 1 {
		t.Fatalf("expected single-group membership, got t1=%d t2=%d", hub.GroupSize("t1"), hub.GroupSize("t2"))
	}
	if subscriber.Group() != "t2" {
		t.Fatalf("unexpected group %q", subscriber.Group())
	}
	hub.Publish("t1", []byte("stale"), nil)
	expectNoFrame(t, subscriber)
}

func TestHubUnregisterClosesStream(t *testing.T) {
	hub := NewHub(HubConfig{})
	subscriber := hub.Register()
	hub.Join(subscriber, "t1")
	hub.Unregister(subscriber)
	hub.Unregister(subscriber)

	if _, ok := <-subscriber.Stream(); ok {
		t.Fatalf("expected closed stream")
	}
	if hub.GroupSize("t1") != 0 || hub.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
	hub.Publish("t1", []byte("after"), nil)
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	counter := &evictionCounter{}
	hub := NewHub(HubConfig{BufferSize: 2, Evictions: counter})
	slow := hub.Register()
	fast := hub.Register()
	hub.Join(slow, "t1")
	hub.Join(fast, "t1")

	hub.Publish("t1", []byte("1"), nil)
	hub.Publish("t1", []byte("2"), nil)
	receiveFrame(t, fast)
	receiveFrame(t, fast)
	hub.Publish("t1", []byte("3"), nil)

	if counter.count != 1 {
		t.Fatalf("expected one eviction, got %d", counter.count)
	}
	if hub.GroupSize("t1") != 1 {
		t.Fatalf("expected slow consumer to leave the group")
	}
	receiveFrame(t, slow)
	receiveFrame(t, slow)
	if _, ok := <-slow.Stream(); ok {
		t.Fatalf("expected evicted stream to be closed")
	}
	if string(receiveFrame(t, fast)) != "3" {
		t.Fatalf("fast consumer missed a frame")
	}
	hub.Unregister(slow)
	hub.Unregister(fast)
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no open subscribers, got %d", hub.Subscribers())
	}
}
