package divvysync

import "sync"

// Stream is a named live feed of row events. Streams are memoized per
// identifier: asking the client for the same stream twice returns the same
// instance, and every registered handler sees every event.
type Stream struct {
	key string

	mu      sync.Mutex
	onEvent []func(RowEvent)
	onError []func(error)
}

// Key returns the stream's memoization key.
func (s *Stream) Key() string {
	return s.key
}

// OnEvent registers a handler for delivered row events.
func (s *Stream) OnEvent(fn func(RowEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// OnError registers a handler for subscription errors.
func (s *Stream) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *Stream) deliver(ev RowEvent) {
	s.mu.Lock()
	handlers := make([]func(RowEvent), len(s.onEvent))
	copy(handlers, s.onEvent)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	handlers := make([]func(error), len(s.onError))
	copy(handlers, s.onError)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}
