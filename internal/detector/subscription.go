// Package detector holds the signal sources of a proctoring session. Every detector
// is attached with an Attach* function and detached through the returned Subscription.
package detector

import "sync"

// Subscription is one attached detector
type Subscription interface {
	// Stop removes every listener, timer and loop registered by the attach call.
	// It is idempotent and returns only once no further incident can be emitted.
	Stop()
}

type subscription struct {
	once sync.Once
	stop func()
}

// NewSubscription wraps a teardown function so that it runs at most once
func NewSubscription(stop func()) Subscription {
	return &subscription{stop: stop}
}

func (s *subscription) Stop() {
	s.once.Do(s.stop)
}

// gate lets event callbacks finish before a subscription reports stopped
type gate struct {
	mu     sync.RWMutex
	closed bool
}

func (g *gate) run(fn func()) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	fn()
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
