// Package notifier is the event-mask publish/subscribe layer used to wake
// up interested enclaves when Registry rows change. A subscriber picks
// an EventMask of the row classes it cares about and a signal segment to
// be woken through; Broker coalesces bursts of events the same way
// xemem.Segment coalesces repeated signals, so a slow subscriber never
// sees its buffer as the reason to block a publisher.
package notifier

import (
	"sync"
	"time"

	"github.com/hobbes-project/hobbes/pkg/metrics"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/xemem"
)

// Event is one row-change notification.
type Event struct {
	Mask      types.EventMask
	EnclaveID types.EnclaveID
	AppID     types.AppID
	Message   string
	Timestamp time.Time
}

// Subscription is a live registration with the Broker.
type Subscription struct {
	mask    types.EventMask
	ch      chan *Event
	segment *xemem.Segment // nil for subscribers that only poll ch directly
}

// Events returns the channel this subscription receives on.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Broker distributes events to subscribers whose mask matches, using a
// buffered internal channel plus a non-blocking per-subscriber send so
// one stalled subscriber can never back up another's delivery.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker. Call Start before Publish.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the distribution loop. Subscriber channels stay open until
// their subscriptions are passed to Unsubscribe.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers interest in every event class set in mask. segment
// may be nil if the caller only wants to range over Events() from within
// the same process; a non-nil segment is Signal()ed on every delivered
// event, for callers that multiplex across a signal pipe instead.
func (b *Broker) Subscribe(mask types.EventMask, segment *xemem.Segment) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{mask: mask, ch: make(chan *Event, 64), segment: segment}
	b.subscribers[sub] = true
	metrics.NotifierSubscribersTotal.Set(float64(len(b.subscribers)))
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
	metrics.NotifierSubscribersTotal.Set(float64(len(b.subscribers)))
}

// Publish enqueues an event for distribution. Blocks only if the internal
// buffer is full; never blocks on a specific subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.mask&event.Mask == 0 {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// subscriber buffer full; event is dropped, next signal still coalesces
			metrics.NotifierEventsDroppedTotal.Inc()
		}
		if sub.segment != nil {
			_ = sub.segment.Signal()
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
