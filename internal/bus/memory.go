package bus

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Bus. Deliveries are queued per subscription without
// bound so a publisher never blocks on a slow subscriber.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus    *Memory
	topic  string
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a subscription on topic.
func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	s := &memorySub{
		bus:    m,
		topic:  topic,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[*memorySub]struct{})
		m.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// Publish delivers parts to every subscription on topic.
func (m *Memory) Publish(_ context.Context, topic string, parts [][]byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.topics[topic]))
	for s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.push(Message{Topic: topic, Parts: copyParts(parts)})
	}
	return nil
}

// Subscribers returns the number of open subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Close closes the bus and every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySub
	for _, set := range m.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.topics[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(m.topics, s.topic)
		}
	}
}

func (s *memorySub) push(msg Message) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-s.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.queue = nil
		s.mu.Unlock()
		s.bus.remove(s)
	})
	return nil
}
