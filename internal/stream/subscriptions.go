package stream

import (
	"sort"
	"sync"
)

// subscription is one logical stream on a shared transport.
type subscription struct {
	key   string
	sub   []byte
	unsub []byte
	seq   uint64
}

// subscriptions tracks desired and active logical subscriptions.
// Desired entries survive reconnects; active flags are cleared on every
// disconnect and set again once the subscribe message is re-sent.
type subscriptions struct {
	mu      sync.Mutex
	next    uint64
	desired map[string]subscription
	active  map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		desired: make(map[string]subscription),
		active:  make(map[string]struct{}),
	}
}

// add registers a subscription. Returns false if the key already exists.
func (s *subscriptions) add(key string, sub, unsub []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.desired[key]; ok {
		return false
	}
	s.next++
	s.desired[key] = subscription{key: key, sub: sub, unsub: unsub, seq: s.next}
	return true
}

// remove deletes a subscription and reports whether it was active.
func (s *subscriptions) remove(key string) (subscription, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.desired[key]
	if !ok {
		return subscription{}, false, false
	}
	_, wasActive := s.active[key]
	delete(s.desired, key)
	delete(s.active, key)
	return entry, wasActive, true
}

func (s *subscriptions) markActive(key string) {
	s.mu.Lock()
	if _, ok := s.desired[key]; ok {
		s.active[key] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *subscriptions) clearActive() {
	s.mu.Lock()
	clear(s.active)
	s.mu.Unlock()
}

func (s *subscriptions) isActive(key string) bool {
	s.mu.Lock()
	_, ok := s.active[key]
	s.mu.Unlock()
	return ok
}

// list returns desired subscriptions in the order they were added, so
// resubscription replays the caller's original sequence.
func (s *subscriptions) list() []subscription {
	s.mu.Lock()
	out := make([]subscription, 0, len(s.desired))
	for _, entry := range s.desired {
		out = append(out, entry)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *subscriptions) count() int {
	s.mu.Lock()
	n := len(s.desired)
	s.mu.Unlock()
	return n
}
