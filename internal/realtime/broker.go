package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrBrokerClosed = errors.New("realtime broker is closed")

// Handler receives events for a subscription in delivery order.
type Handler func(Event)

// Feed hands out subscriptions to topics.
type Feed interface {
	Subscribe(topic string) (*Subscription, error)
}

// Subscription is one consumer's view of a topic. Handlers must not call
// Close on their own subscription.
type Subscription struct {
	id     uint64
	topic  string
	broker *Broker

	mu      sync.Mutex
	handler Handler
	closed  bool
}

// ID identifies the subscription; ids are never reused within a broker.
func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) Topic() string { return s.topic }

// OnEvent installs the handler. Events delivered before a handler is set
// are dropped.
func (s *Subscription) OnEvent(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Close releases the subscription. Once Close returns no handler call is
// running or will start for this subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.handler = nil
	s.mu.Unlock()

	if s.broker != nil {
		s.broker.remove(s)
	}
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handler == nil {
		return
	}
	s.handler(ev)
}

// Broker fans events out to topic subscribers in process. Publish delivers
// synchronously, so events reach each subscriber in publish order.
type Broker struct {
	nextID atomic.Uint64

	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
	closed bool

	// onEmpty is called when the last subscription of a topic is released.
	onEmpty func(topic string)
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[uint64]*Subscription)}
}

// OnTopicEmpty registers a callback fired when a topic loses its last
// subscriber.
func (b *Broker) OnTopicEmpty(fn func(topic string)) {
	b.mu.Lock()
	b.onEmpty = fn
	b.mu.Unlock()
}

// Subscribe registers a new subscription on topic.
func (b *Broker) Subscribe(topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := &Subscription{id: b.nextID.Add(1), topic: topic, broker: b}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

// Publish delivers ev to every live subscriber of topic and returns how
// many subscriptions were targeted.
func (b *Broker) Publish(topic string, ev Event) int {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
	return len(subs)
}

// Topics returns the topics that currently have subscribers.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		topics = append(topics, topic)
	}
	return topics
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close releases every subscription and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	for _, set := range b.topics {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(subs, sub.id)
	empty := len(subs) == 0
	if empty {
		delete(b.topics, sub.topic)
	}
	onEmpty := b.onEmpty
	b.mu.Unlock()

	if empty && onEmpty != nil {
		onEmpty(sub.topic)
	}
}
