// Package connectivity tracks whether the central backend is reachable and
// triggers synchronization of queued sales when it becomes reachable again.
package connectivity

import (
	"sync"
)

// Source reports connectivity and notifies subscribers of transitions.
type Source interface {
	Online() bool
	// Subscribe registers fn for transition events. The returned func
	// removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// Switch is a manually driven Source. It emits only on transitions.
type Switch struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

func NewSwitch(online bool) *Switch {
	return &Switch{online: online, listeners: make(map[int]func(bool))}
}

func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies listeners when it changed.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

func (s *Switch) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Switch) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
