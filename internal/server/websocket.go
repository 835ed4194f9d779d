package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/metrics"
)

// event is one dashboard feed item: audit entries, pairing lifecycle,
// settings changes.
type event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// eventHub fans events out to connected dashboard websockets. Slow clients
// drop events rather than stalling the publisher.
type eventHub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[chan event]struct{}
	closed  bool
}

func newEventHub(log *zap.Logger) *eventHub {
	return &eventHub{log: log, clients: make(map[chan event]struct{})}
}

func (h *eventHub) publish(e event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- e:
		default: // client is behind, drop
		}
	}
}

func (h *eventHub) subscribe() (chan event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan event, 64)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *eventHub) unsubscribe(ch chan event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway is loopback/LAN only and authenticated by bearer token
	// before the upgrade; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleDashboardEvents upgrades to a websocket and pushes the live event
// feed until the client disconnects.
func (s *Server) handleDashboardEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, ok := s.events.subscribe()
	if !ok {
		return
	}
	defer s.events.unsubscribe(ch)

	metrics.DashboardConnections.Inc()
	defer metrics.DashboardConnections.Dec()

	// Reader goroutine: we never expect client messages, but reading is how
	// close frames and connection drops surface.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case e, open := <-ch:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
