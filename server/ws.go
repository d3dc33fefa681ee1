package server

import (
  "net/http"
  "sync"
  "time"

  "github.com/gorilla/websocket"
  "github.com/rs/zerolog/log"
)

// Event is what the panel UI receives over the WebSocket stream.
type Event struct {
  Type string      `json:"type"`
  Payload interface{} `json:"payload,omitempty"`
}

const (
  EventDeviceUpdated = "device_updated"
  EventScanState = "scan_state"
)

var upgrader = websocket.Upgrader{
  // the panel is served from anywhere on the local network.
  CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans out events to every connected WebSocket client. Slow or dead
// clients are dropped rather than allowed to stall the broadcast.
type Hub struct {
  mu sync.Mutex
  clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
  return &Hub{
    clients: make(map[*websocket.Conn]bool),
  }
}

func (h *Hub) add(conn *websocket.Conn) {
  h.mu.Lock()
  defer h.mu.Unlock()

  h.clients[conn] = true
}

func (h *Hub) remove(conn *websocket.Conn) {
  h.mu.Lock()
  defer h.mu.Unlock()

  if _, ok := h.clients[conn]; ok {
    delete(h.clients, conn)
    conn.Close()
  }
}

// Broadcast holds the hub lock for the whole write loop: gorilla/websocket
// allows at most one concurrent writer per connection, and registry events
// arrive from the scanner and session goroutines at the same time. The write
// deadline bounds how long a slow client can stall the others.
func (h *Hub) Broadcast(event Event) {
  h.mu.Lock()
  defer h.mu.Unlock()

  for conn := range h.clients {
    conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))

    if err := conn.WriteJSON(event); err != nil {
      log.Debug().Err(err).Msg("server: dropping unresponsive WebSocket client")

      delete(h.clients, conn)
      conn.Close()
    }
  }
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
  conn, err := upgrader.Upgrade(w, r, nil)

  if err != nil {
    log.Warn().Err(err).Msg("server: WebSocket upgrade failed")
    return
  }

  s.hub.add(conn)

  log.Debug().Str("Remote", r.RemoteAddr).Msg("server: WebSocket client connected")

  // drain (and ignore) client frames so pings are answered and closure is
  // detected.
  go func() {
    defer s.hub.remove(conn)

    for {
      if _, _, err := conn.ReadMessage(); err != nil {
        return
      }
    }
  }()
}
