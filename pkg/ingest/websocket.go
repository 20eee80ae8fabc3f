package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/swingdoor/pkg/config"
	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// PointEvent is the message streamed for every committed append.
type PointEvent struct {
	Type       string                `json:"type"`
	Transition series.TransitionKind `json:"transition"`
	Point      storage.Point         `json:"point"`
}

// subscription is a connected client. An empty devid receives every device.
type subscription struct {
	conn  *websocket.Conn
	devid string

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex
}

func (s *subscription) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return s.conn.WriteMessage(messageType, data)
}

type message struct {
	devid string
	data  []byte
}

// PointsHub fans appended points out to WebSocket clients.
type PointsHub struct {
	clients    map[*websocket.Conn]*subscription
	register   chan *subscription
	unregister chan *websocket.Conn
	broadcast  chan message

	// Closed when Run returns
	done     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
}

// NewPointsHub creates a new WebSocket hub
func NewPointsHub() *PointsHub {
	return &PointsHub{
		clients:    make(map[*websocket.Conn]*subscription),
		register:   make(chan *subscription, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan message, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. Connections handled after Run returns are
// closed straight away.
func (h *PointsHub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]*subscription)
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", count)
		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, sub := range h.clients {
				if sub.devid != "" && sub.devid != msg.devid {
					continue
				}
				if err := sub.write(websocket.TextMessage, msg.data); err != nil {
					log.Printf("WebSocket write error: %v", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Dropped inline: sending on unregister from here could block
			// the loop that drains it
			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					delete(h.clients, conn)
					conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Publish is a series.Observer streaming every committed append.
func (h *PointsHub) Publish(p storage.Point, kind series.TransitionKind) {
	if !h.HasClients() {
		return
	}
	data, err := json.Marshal(PointEvent{Type: "point", Transition: kind, Point: p})
	if err != nil {
		log.Printf("Failed to encode point event: %v", err)
		return
	}

	select {
	case h.broadcast <- message{devid: p.DeviceID, data: data}:
	default:
		// Channel full, drop message to prevent blocking the appender
		log.Printf("Broadcast channel full, dropping point %s", p.ID)
	}
}

// HasClients returns true if there are any connected WebSocket clients
func (h *PointsHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket handles GET /v1/ws. The optional devid query parameter
// limits the stream to one device.
func (h *Handler) HandleWebSocket(hub *PointsHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devid := r.URL.Query().Get("devid")
		if devid != "" {
			if err := ValidateDeviceID(devid); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		sub := &subscription{conn: conn, devid: devid}
		select {
		case hub.register <- sub:
		case <-hub.done:
			conn.Close()
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Keep the connection alive
		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-hub.done:
					// A registration still buffered when the hub stopped
					// is never closed by Run
					conn.Close()
					return
				case <-ticker.C:
					if err := sub.write(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			cancel()
			select {
			case hub.unregister <- conn:
			case <-hub.done:
				conn.Close()
			}
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// Reads only serve control frames and close detection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error: %v", err)
				}
				break
			}
		}
	}
}
