package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
)

// ErrPageOwned is returned when another user's page holds the attempt
var ErrPageOwned = errors.New("attempt page belongs to another user")

// Hub tracks the connected exam page of each attempt
type Hub struct {
	mu      sync.Mutex
	pages   map[string]*PageConn
	changed chan struct{}
	logger  *log.Logger
}

// NewHub creates an empty hub
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		pages:   make(map[string]*PageConn),
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// Register adds a page, closing any earlier page of the same attempt and
// owner. A page of another owner is never replaced.
func (h *Hub) Register(p *PageConn) error {
	h.mu.Lock()
	old := h.pages[p.attemptID]
	if old != nil && old.owner != p.owner {
		h.mu.Unlock()
		return ErrPageOwned
	}
	h.pages[p.attemptID] = p
	close(h.changed)
	h.changed = make(chan struct{})
	total := len(h.pages)
	h.mu.Unlock()

	if old != nil {
		h.logger.Printf("[WS] replacing page for attempt %s", p.attemptID)
		old.Close()
	}
	h.logger.Printf("[WS] page registered for attempt %s (total: %d)", p.attemptID, total)
	return nil
}

func (h *Hub) checkOwner(attemptID, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.pages[attemptID]; old != nil && old.owner != owner {
		return ErrPageOwned
	}
	return nil
}

// Unregister removes p if it is still the current page of its attempt
func (h *Hub) Unregister(p *PageConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pages[p.attemptID] == p {
		delete(h.pages, p.attemptID)
		h.logger.Printf("[WS] page unregistered for attempt %s", p.attemptID)
	}
}

// Get returns the current page of an attempt or nil
func (h *Hub) Get(attemptID string) *PageConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages[attemptID]
}

// Wait blocks until the page of an attempt is connected and has announced its features
func (h *Hub) Wait(ctx context.Context, attemptID string) (*PageConn, error) {
	for {
		h.mu.Lock()
		p := h.pages[attemptID]
		changed := h.changed
		h.mu.Unlock()

		if p != nil {
			select {
			case <-p.Ready():
				return p, nil
			case <-p.Done():
				// reconnecting, wait for the next registration
				select {
				case <-changed:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Count returns the number of connected pages
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}
