package engine

import (
	"sync"

	"github.com/hexweave/grimoire/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// maxRetainedTopics bounds how many closed topics are kept for terminal
// replay. Beyond this the oldest closed topic is dropped; subscribers to a
// dropped topic recover the terminal state from the cast record instead.
const maxRetainedTopics = 1024

// StatusBroker fans out cast status transitions to subscribers.
// It is safe for concurrent use.
//
// Topics that reached a terminal status are retained with their terminal
// event so that late subscribers (those subscribing after a cast
// finishes) receive that event once and a closed channel instead of
// blocking forever. Retention is bounded by maxRetainedTopics.
type StatusBroker struct {
	mu          sync.Mutex
	topics      map[string]*castTopic
	closedOrder []string
}

type castTopic struct {
	subs     map[int]chan model.StatusEvent
	nextID   int
	closed   bool
	terminal *model.StatusEvent
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*castTopic),
	}
}

// Subscribe returns a channel of status events for the given cast and an
// unsubscribe function. If the cast has already reached a terminal
// status, the channel delivers the retained terminal event once and is
// then closed.
func (b *StatusBroker) Subscribe(castID string) (<-chan model.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[castID]
	if !ok {
		t = &castTopic{subs: make(map[int]chan model.StatusEvent)}
		b.topics[castID] = t
	}

	ch := make(chan model.StatusEvent, subscriberBufferSize)
	if t.closed {
		if t.terminal != nil {
			ch <- *t.terminal
		}
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers an event to all subscribers of the cast, in the order
// Publish was called. Events are dropped for subscribers whose buffers
// are full. A terminal event closes the topic: it is retained for late
// subscribers and all subscriber channels are closed after delivery.
func (b *StatusBroker) Publish(ev model.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.CastID]
	if !ok {
		t = &castTopic{subs: make(map[int]chan model.StatusEvent)}
		b.topics[ev.CastID] = t
	}
	if t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}

	if model.Terminal(ev.Status) {
		evCopy := ev
		t.terminal = &evCopy
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		b.closedOrder = append(b.closedOrder, ev.CastID)
		for len(b.closedOrder) > maxRetainedTopics {
			oldest := b.closedOrder[0]
			b.closedOrder = b.closedOrder[1:]
			delete(b.topics, oldest)
		}
	}
}
