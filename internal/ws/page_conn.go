package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/page"
)

var ErrPageClosed = errors.New("page disconnected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 * 1024
)

type pageListener struct {
	target    page.Target
	eventType string
	fn        page.Listener
}

// PageConn is the page.Surface of one connected exam page
type PageConn struct {
	attemptID string
	owner     string
	conn      *websocket.Conn
	logger    *log.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[*pageListener]struct{}
	features  map[string]bool
	pending   map[uint64]chan error

	nextID    atomic.Uint64
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func newPageConn(attemptID, owner string, conn *websocket.Conn, logger *log.Logger) *PageConn {
	return &PageConn{
		attemptID: attemptID,
		owner:     owner,
		conn:      conn,
		logger:    logger,
		listeners: make(map[*pageListener]struct{}),
		features:  make(map[string]bool),
		pending:   make(map[uint64]chan error),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Owner returns the user that connected the page, empty without authentication
func (p *PageConn) Owner() string { return p.owner }

// AttemptID returns the attempt this page belongs to
func (p *PageConn) AttemptID() string { return p.attemptID }

// Ready is closed once the page announced its features
func (p *PageConn) Ready() <-chan struct{} { return p.ready }

// Done is closed when the connection ends
func (p *PageConn) Done() <-chan struct{} { return p.done }

// AddEventListener implements page.Surface
func (p *PageConn) AddEventListener(target page.Target, eventType string, l page.Listener) func() {
	entry := &pageListener{target: target, eventType: eventType, fn: l}
	p.mu.Lock()
	p.listeners[entry] = struct{}{}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, entry)
		p.mu.Unlock()
	}
}

// ListenerCount returns the number of registered listeners
func (p *PageConn) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// Supports implements page.Surface
func (p *PageConn) Supports(feature string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.features[feature]
}

// Invoke implements page.Surface. It waits for the page's result.
func (p *PageConn) Invoke(ctx context.Context, method string) error {
	if !p.Supports(method) {
		return page.ErrNotSupported
	}

	id := p.nextID.Add(1)
	result := make(chan error, 1)
	p.mu.Lock()
	p.pending[id] = result
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.writeJSON(&InvokeMessage{Type: TypeInvoke, ID: id, Method: method}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPageClosed
	}
}

// Send writes any JSON message to the page
func (p *PageConn) Send(v interface{}) error {
	return p.writeJSON(v)
}

func (p *PageConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-p.done:
		return ErrPageClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to page: %w", err)
	}
	return nil
}

// Close ends the connection
func (p *PageConn) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// handle processes one inbound message
func (p *PageConn) handle(msg *InboundMessage) {
	switch msg.Type {
	case TypeHello:
		p.mu.Lock()
		for _, f := range msg.Features {
			p.features[f] = true
		}
		p.mu.Unlock()
		p.readyOnce.Do(func() { close(p.ready) })

	case TypeEvent:
		if msg.DOM == nil {
			return
		}
		prevented := p.dispatch(msg.DOM)
		if msg.ID != 0 {
			if err := p.writeJSON(&AckMessage{Type: TypeAck, ID: msg.ID, Prevented: prevented}); err != nil {
				p.logger.Printf("[WS] ack to %s failed: %v", p.attemptID, err)
			}
		}

	case TypeResult:
		p.mu.Lock()
		result, ok := p.pending[msg.ID]
		p.mu.Unlock()
		if !ok {
			return
		}
		var err error
		if msg.Error != "" {
			err = errors.New(msg.Error)
		}
		result <- err

	default:
		p.logger.Printf("[WS] unknown message type %q from %s", msg.Type, p.attemptID)
	}
}

// dispatch runs every matching listener and reports whether one prevented the default
func (p *PageConn) dispatch(d *DOMEvent) bool {
	ev := page.Event{
		Type:              d.Type,
		Target:            page.Target(d.Target),
		Hidden:            d.Hidden,
		FullscreenElement: d.FullscreenElement,
		Key:               d.Key,
		Ctrl:              d.Ctrl,
		Shift:             d.Shift,
		Alt:               d.Alt,
		Meta:              d.Meta,
	}

	p.mu.Lock()
	var matched []page.Listener
	for entry := range p.listeners {
		if entry.target == ev.Target && entry.eventType == ev.Type {
			matched = append(matched, entry.fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range matched {
		fn(&ev)
	}
	return ev.DefaultPrevented()
}

// readPump reads messages until the connection fails
func (p *PageConn) readPump() {
	p.conn.SetReadLimit(readLimit)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go p.pingLoop()

	for {
		var msg InboundMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Printf("[WS] read error for attempt %s: %v", p.attemptID, err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.handle(&msg)
	}
}

func (p *PageConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
