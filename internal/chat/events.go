package chat

import (
	"sync"

	"livechat/internal/transport"
)

// subscribers fans normalized events out to UI listeners. Subscribing
// returns an unsubscribe func; both are safe for concurrent use.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]transport.Handler
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]transport.Handler)}
}

func (s *subscribers) add(h transport.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscribers) emit(ev transport.Event) {
	s.mu.Lock()
	handlers := make([]transport.Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
