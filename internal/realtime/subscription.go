package realtime

import "sync"

type subscription struct {
	event EventType
	id    HandlerID
}

// Scope owns the handlers registered on a transport and removes them together.
type Scope struct {
	mu        sync.Mutex
	transport Transport
	subs      []subscription
}

// NewScope creates a Scope for the transport.
func NewScope(t Transport) *Scope {
	return &Scope{transport: t}
}

// On registers a handler that lives until UnsubscribeAll.
func (s *Scope) On(event EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.transport.On(event, h)
	s.subs = append(s.subs, subscription{event: event, id: id})
}

// UnsubscribeAll removes every handler of the scope. Safe to call repeatedly.
func (s *Scope) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		s.transport.Off(sub.event, sub.id)
	}
	s.subs = nil
}

// Len number of live handlers.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}
