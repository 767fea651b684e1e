package proctor

import (
	"sync"

	"proctord/internal/incident"
	"proctord/internal/media"
)

// Update is pushed to the host page after every logged incident
type Update struct {
	IncidentCount  int                `json:"incident_count"`
	LatestIncident *incident.Incident `json:"latest_incident,omitempty"`
	CameraPreview  media.JPEGSource   `json:"-"`
	Active         bool               `json:"active"`
}

// UpdateHandler receives updates synchronously
type UpdateHandler func(Update)

// UpdateBus fans session updates out to handlers and channels
type UpdateBus struct {
	subscribers map[*updateSubscription]bool
	mu          sync.RWMutex
	closed      bool
}

type updateSubscription struct {
	channel chan Update
	handler UpdateHandler
}

// NewUpdateBus creates an empty bus
func NewUpdateBus() *UpdateBus {
	return &UpdateBus{
		subscribers: make(map[*updateSubscription]bool),
	}
}

// Subscribe registers a handler. Returns an unsubscribe function.
func (b *UpdateBus) Subscribe(handler UpdateHandler) func() {
	sub := &updateSubscription{handler: handler}
	if !b.add(sub) {
		return func() {}
	}

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of updates. Updates are dropped
// for a subscriber whose buffer is full.
func (b *UpdateBus) SubscribeChannel(bufferSize int) (<-chan Update, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Update, bufferSize)
	sub := &updateSubscription{channel: ch}
	if !b.add(sub) {
		close(ch)
		return ch, func() {}
	}

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *UpdateBus) add(sub *updateSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.subscribers[sub] = true
	return true
}

// Publish delivers u to every subscriber
func (b *UpdateBus) Publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler(u)
		}
		if sub.channel != nil {
			select {
			case sub.channel <- u:
			default:
			}
		}
	}
}

// Close removes every subscriber and closes their channels
func (b *UpdateBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *UpdateBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
