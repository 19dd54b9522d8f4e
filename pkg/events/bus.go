package events

import (
	"sort"
	"sync"
)

// Handler receives events synchronously on the emitter's goroutine. Handlers
// must not block and must not acquire domain locks; long work is deferred to
// a queue the handler owns.
type Handler func(Event)

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	id    uint64
	topic Topic
	all   bool
}

// Bus serialises emits with a single lock so that, per topic and per channel,
// delivery order equals emit order.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	byTopic map[Topic]map[uint64]Handler
	allSubs map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{
		byTopic: make(map[Topic]map[uint64]Handler),
		allSubs: make(map[uint64]Handler),
	}
}

// Subscribe registers a handler for a single topic.
func (b *Bus) Subscribe(topic Topic, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic}
	m, ok := b.byTopic[topic]
	if !ok {
		m = make(map[uint64]Handler)
		b.byTopic[topic] = m
	}
	m[sub.id] = h
	return sub
}

// SubscribeAll registers a handler for every topic. The push channel uses
// this to fan events out to sessions.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, all: true}
	b.allSubs[sub.id] = h
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		delete(b.allSubs, sub.id)
		return
	}
	if m, ok := b.byTopic[sub.topic]; ok {
		delete(m, sub.id)
	}
}

// Emit dispatches the event to topic handlers then catch-all handlers, in
// registration order, holding the bus lock for the whole dispatch. Handlers
// must therefore never call back into the bus.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range sortedIDs(b.byTopic[ev.Topic()]) {
		b.byTopic[ev.Topic()][id](ev)
	}
	for _, id := range sortedIDs(b.allSubs) {
		b.allSubs[id](ev)
	}
}

func sortedIDs(m map[uint64]Handler) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
