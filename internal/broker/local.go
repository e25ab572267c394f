package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker closed")

type localSubscriber struct {
	patterns []string
	ch       chan Message
	closed   bool
	mu       sync.Mutex
}

func (s *localSubscriber) matches(channel string) bool {
	for _, p := range s.patterns {
		if matchPattern(p, channel) {
			return true
		}
	}
	return false
}

// send drops the message when the subscriber is closed or its buffer is full.
func (s *localSubscriber) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *localSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Local is an in-process Broker for single-instance deployments and tests.
type Local struct {
	subscribers map[*localSubscriber]struct{}
	closed      bool
	done        chan struct{}
	mu          sync.RWMutex
}

func NewLocal() *Local {
	return &Local{
		subscribers: make(map[*localSubscriber]struct{}),
		done:        make(chan struct{}),
	}
}

func (l *Local) Publish(ctx context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*localSubscriber, 0, len(l.subscribers))
	for sub := range l.subscribers {
		if sub.matches(channel) {
			subs = append(subs, sub)
		}
	}
	l.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.send(msg)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	sub := &localSubscriber{
		patterns: patterns,
		ch:       make(chan Message, subscriberBuffer),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.subscribers[sub] = struct{}{}
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			l.unsubscribe(sub)
		case <-l.done:
		}
	}()

	return sub.ch, nil
}

func (l *Local) unsubscribe(sub *localSubscriber) {
	l.mu.Lock()
	delete(l.subscribers, sub)
	l.mu.Unlock()

	sub.close()
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	subs := l.subscribers
	l.subscribers = make(map[*localSubscriber]struct{})
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	return nil
}
