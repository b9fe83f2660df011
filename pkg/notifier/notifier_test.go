package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hobbes-project/hobbes/pkg/types"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestSubscribeDeliversMatchingMask(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe(types.EventEnclave, nil)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Mask: types.EventEnclave, EnclaveID: 1, Message: "created"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, types.EnclaveID(1), ev.EnclaveID)
		assert.Equal(t, "created", ev.Message)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeIgnoresNonMatchingMask(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe(types.EventCPU, nil)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Mask: types.EventApplication, AppID: 5})

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventAllMatchesEveryMask(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe(types.EventAll, nil)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Mask: types.EventResource, AppID: 1})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, types.EventResource, ev.Mask)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe(types.EventAll, nil)
	b.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel must be closed after Unsubscribe")
}

func TestSubscriberCountTracksSubscriptions(t *testing.T) {
	b := newTestBroker(t)
	assert.Equal(t, 0, b.SubscriberCount())

	sub1 := b.Subscribe(types.EventAll, nil)
	sub2 := b.Subscribe(types.EventAll, nil)
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub2)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSlowSubscriberEventsDropWithoutBlockingOthers(t *testing.T) {
	b := newTestBroker(t)
	slow := b.Subscribe(types.EventAll, nil)
	fast := b.Subscribe(types.EventAll, nil)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	var lastSeen string
	done := make(chan struct{})
	timeout := time.After(2 * time.Second)
	go func() {
		for {
			select {
			case ev := <-fast.Events():
				lastSeen = ev.Message
				if lastSeen == "final" {
					close(done)
					return
				}
			case <-timeout:
				return
			}
		}
	}()

	// Flood past the subscriber buffer (64) without ever draining slow's
	// channel; fast is drained concurrently above, so it must still see
	// its own events land even while slow's buffer backs up and drops.
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Mask: types.EventAll, Message: "spam"})
	}
	b.Publish(&Event{Mask: types.EventAll, Message: "final"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber never observed the final event")
	}
	assert.Equal(t, "final", lastSeen)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Mask: types.EventAll})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
