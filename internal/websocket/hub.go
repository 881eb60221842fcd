package websocket

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/observe"
)

const (
	TypeAlertShow     = "ALERT_SHOW"
	TypeAlertLocation = "ALERT_LOCATION"
	TypeAlertEnd      = "ALERT_END"
	TypeHealth        = "HEALTH"
	TypeDefensive     = "DEFENSIVE"
	TypeLifecycle     = "LIFECYCLE"
	TypeVoice         = "VOICE"
)

const (
	broadcastBuffer = 64
	clientBuffer    = 32
)

// replayed types are state snapshots. A client that connects late is sent the
// latest one of each, plus the alert currently on screen.
var replayed = []string{TypeLifecycle, TypeHealth, TypeDefensive, TypeVoice}

// Message defines the generic structure for WS communication
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Hub fans presentation messages out to every connected device client. It is
// the ingestion pipeline's sink.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *logger.Logger
	mu         sync.RWMutex

	// owned by Run
	latest map[string]Message
	alert  *Message

	origins []string
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		log:        log.Named("ws"),
		latest:     make(map[string]Message),
	}
}

// AllowOrigins restricts browser upgrades to the given origins. "*" or an
// empty list allows any origin. Requests without an Origin header come from
// native clients and are always accepted.
func (h *Hub) AllowOrigins(origins []string) {
	h.origins = origins
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return true
	}
	return slices.Contains(h.origins, origin)
}

// Run starts the hub logic in a goroutine. It listens for context cancellation for clean shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("WebSocket Hub shutting down...")
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.replay(client)
			h.log.Info("New WS Client connected. Total: %d", total)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.remember(message)
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("Client queue full, dropped %s", message.Type)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) remember(m Message) {
	switch m.Type {
	case TypeAlertShow:
		h.alert = &m
	case TypeAlertEnd:
		h.alert = nil
	case TypeAlertLocation:
		if h.alert != nil {
			if update, ok := m.Payload.(models.LocationUpdate); ok {
				if shown, ok := h.alert.Payload.(models.IncomingAlert); ok && shown.EventID == update.EventID {
					shown.Latitude, shown.Longitude = update.Latitude, update.Longitude
					shown.LastUpdateAt = update.UpdatedAt
					h.alert = &Message{Type: TypeAlertShow, Payload: shown, At: h.alert.At}
				}
			}
		}
	default:
		h.latest[m.Type] = m
	}
}

func (h *Hub) replay(c *Client) {
	backlog := make([]Message, 0, len(replayed)+1)
	for _, t := range replayed {
		if m, ok := h.latest[t]; ok {
			backlog = append(backlog, m)
		}
	}
	if h.alert != nil {
		backlog = append(backlog, *h.alert)
	}
	for _, m := range backlog {
		select {
		case c.send <- m:
		default:
			return
		}
	}
}

// Broadcast queues a message for all connected clients. It never blocks: a
// full queue drops the message.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	select {
	case h.broadcast <- Message{Type: msgType, Payload: payload, At: time.Now()}:
	default:
		h.log.Warn("Broadcast queue full, dropped %s", msgType)
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ShowAlert(alert models.IncomingAlert) {
	h.Broadcast(TypeAlertShow, alert)
}

func (h *Hub) UpdateLocation(update models.LocationUpdate) {
	h.Broadcast(TypeAlertLocation, update)
}

func (h *Hub) EndAlert(ended models.AlertEnded) {
	h.Broadcast(TypeAlertEnd, ended)
}

// Forward broadcasts every snapshot published on v as msgType until ctx is done.
func Forward[T any](ctx context.Context, h *Hub, msgType string, v *observe.Value[T]) {
	updates, cancel := v.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(msgType, snap)
		}
	}
}
