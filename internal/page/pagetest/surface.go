// Package pagetest provides an in-memory page.Surface for tests
package pagetest

import (
	"context"
	"sync"

	"proctord/internal/page"
)

type listenerEntry struct {
	target    page.Target
	eventType string
	fn        page.Listener
}

// Surface records listeners and invocations and lets tests dispatch events
type Surface struct {
	mu        sync.Mutex
	listeners map[*listenerEntry]struct{}
	features  map[string]bool
	invokeErr map[string]error
	invoked   []string
}

// NewSurface creates a surface supporting the given features
func NewSurface(features ...string) *Surface {
	s := &Surface{
		listeners: make(map[*listenerEntry]struct{}),
		features:  make(map[string]bool),
		invokeErr: make(map[string]error),
	}
	for _, f := range features {
		s.features[f] = true
	}
	return s
}

// AddEventListener implements page.Surface
func (s *Surface) AddEventListener(target page.Target, eventType string, l page.Listener) func() {
	entry := &listenerEntry{target: target, eventType: eventType, fn: l}
	s.mu.Lock()
	s.listeners[entry] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, entry)
		s.mu.Unlock()
	}
}

// Invoke implements page.Surface
func (s *Surface) Invoke(ctx context.Context, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoked = append(s.invoked, method)
	if !s.features[method] {
		return page.ErrNotSupported
	}
	return s.invokeErr[method]
}

// Supports implements page.Surface
func (s *Surface) Supports(feature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features[feature]
}

// FailInvoke makes Invoke(method) return err
func (s *Surface) FailInvoke(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokeErr[method] = err
}

// Invoked returns the methods invoked so far
func (s *Surface) Invoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invoked...)
}

// ListenerCount returns the number of registered listeners
func (s *Surface) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Dispatch delivers ev to every matching listener and reports whether one
// prevented the default action
func (s *Surface) Dispatch(target page.Target, ev page.Event) bool {
	ev.Target = target

	s.mu.Lock()
	var matched []page.Listener
	for entry := range s.listeners {
		if entry.target == target && entry.eventType == ev.Type {
			matched = append(matched, entry.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range matched {
		fn(&ev)
	}
	return ev.DefaultPrevented()
}
