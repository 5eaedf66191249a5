package signalr

import "sync"

// serializer runs functions one at a time in submission order. There is no
// worker goroutine: whichever caller finds the serializer idle drains the
// queue, including anything queued by the functions it runs. A function that
// submits more work never blocks on it.
type serializer struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serializer) Do(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		next()

		s.mu.Lock()
	}

	s.running = false
	s.mu.Unlock()
}
