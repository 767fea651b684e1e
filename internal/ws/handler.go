package ws

import (
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// PageAuthorizer decides whether a request may connect the exam page of an
// attempt and returns the user the page belongs to
type PageAuthorizer func(r *http.Request, attemptID string) (owner string, err error)

// Handler upgrades exam pages to websocket connections
type Handler struct {
	hub       *Hub
	authorize PageAuthorizer
	upgrader  websocket.Upgrader
	logger    *log.Logger
}

// NewHandler creates a handler. allowedOrigins empty accepts any origin and a
// nil authorize accepts any caller.
func NewHandler(hub *Hub, authorize PageAuthorizer, allowedOrigins []string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Handler{
		hub:       hub,
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/page/{attempt_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/page/")
	attemptID := strings.TrimSuffix(path, "/")

	if attemptID == "" || strings.Contains(attemptID, "/") {
		http.Error(w, "attempt_id required", http.StatusBadRequest)
		return
	}

	var owner string
	if h.authorize != nil {
		o, err := h.authorize(r, attemptID)
		if err != nil {
			h.logger.Printf("[WS] page for attempt %s refused: %v", attemptID, err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		owner = o
	}
	if err := h.hub.checkOwner(attemptID, owner); err != nil {
		h.logger.Printf("[WS] page for attempt %s refused: %v", attemptID, err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[WS] upgrade error: %v", err)
		return
	}

	h.logger.Printf("[WS] new page for attempt %s from %s", attemptID, r.RemoteAddr)

	p := newPageConn(attemptID, owner, conn, h.logger)
	if err := h.hub.Register(p); err != nil {
		h.logger.Printf("[WS] page for attempt %s refused: %v", attemptID, err)
		p.Close()
		return
	}

	go func() {
		defer func() {
			h.hub.Unregister(p)
			p.Close()
		}()
		p.readPump()
	}()
}
