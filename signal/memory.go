package signal

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Channel. Both peers of a call (or a test) attach
// to the same bus. Delivery is asynchronous but lossless: each subscription
// owns an unbounded FIFO drained by its own pump goroutine, so Send never
// blocks on a slow consumer and never drops.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub // key: callID + "/" + userID
	closed bool
}

type memorySub struct {
	mu      sync.Mutex
	queue   []*Message
	wake    chan struct{} // 1-buffered doorbell
	out     chan *Message
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

func subKey(callID, userID string) string { return callID + "/" + userID }

// Send queues m for all subscribers of (CallID, ReceiverID).
func (b *MemoryBus) Send(_ context.Context, m *Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memory bus closed")
	}
	targets := b.subs[subKey(m.CallID, m.ReceiverID)]
	for _, s := range targets {
		s.push(m)
	}
	b.mu.RUnlock()
	return nil
}

// Subscribe registers a listener for messages addressed to userID on callID.
func (b *MemoryBus) Subscribe(_ context.Context, callID, userID string) (<-chan *Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("memory bus closed")
	}

	s := &memorySub{
		wake: make(chan struct{}, 1),
		out:  make(chan *Message, subscriberBuffer),
		done: make(chan struct{}),
	}
	key := subKey(callID, userID)
	b.subs[key] = append(b.subs[key], s)
	go s.pump()

	cancel := func() {
		b.mu.Lock()
		list := b.subs[key]
		for i, it := range list {
			if it == s {
				b.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
		b.mu.Unlock()
		s.stop()
	}
	return s.out, cancel, nil
}

// Close tears down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySub
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

func (s *memorySub) push(m *Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// pump drains the FIFO into out, preserving push order.
func (s *memorySub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, m := range batch {
			select {
			case s.out <- m:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
