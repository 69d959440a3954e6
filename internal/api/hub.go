package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Event is one message on the live feed.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// Hub broadcasts session events to websocket subscribers. A subscriber that
// cannot keep up loses events rather than stalling the session.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish implements coordinator.EventSink.
func (h *Hub) Publish(kind string, payload any) {
	log := logger.WithComponent("websocket")
	msg, err := json.Marshal(Event{Type: kind, Payload: payload, Time: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("type", kind).Msg("Event encode failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			log.Warn().Str("type", kind).Msg("Subscriber too slow, event dropped")
		}
	}
}

// Subscribers returns the number of connected feed clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("websocket")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Msg("Subscriber connected")

	go h.writeLoop(s)

	// Inbound frames are discarded; reading surfaces the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Connection closed")
			}
			break
		}
	}
	h.remove(s)
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.remove(s)

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.close()
	}
}
