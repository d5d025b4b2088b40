// Package reportapi is the thin, read-only surface external collaborators
// use to observe a running Supervisor: a live-annotated-frame push over
// websocket per machine, keyed by the interfaces named in the
// specification's external-interfaces section. The full HTTP/REST report
// query layer, the durable schema it reads, and the operator GUI are
// separate collaborators and are not implemented here.
package reportapi

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameSource is the subset of Supervisor this package depends on.
type FrameSource interface {
	LatestAnnotatedFrame(machineID string) ([]byte, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes each machine's latest annotated frame to its subscribed
// clients.
type Hub struct {
	source FrameSource

	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // machineID -> clients
}

// NewHub creates a Hub sampling frames from source.
func NewHub(source FrameSource) *Hub {
	return &Hub{source: source, clients: make(map[string]map[*client]struct{})}
}

// ServeMachine upgrades the request to a websocket and streams annotated
// JPEGs for machineID until the connection closes.
func (h *Hub) ServeMachine(w http.ResponseWriter, r *http.Request, machineID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("reportapi: upgrade error:", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 4)}
	h.register(machineID, c)
	defer h.unregister(machineID, c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(machineID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[machineID] == nil {
		h.clients[machineID] = make(map[*client]struct{})
	}
	h.clients[machineID][c] = struct{}{}
	log.Printf("reportapi: client registered for %s, total=%d", machineID, len(h.clients[machineID]))
}

func (h *Hub) unregister(machineID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[machineID]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			log.Printf("reportapi: client unregistered for %s, total=%d", machineID, len(clients))
		}
	}
}

// readPump discards inbound messages (this is a push-only feed) but keeps
// reading so the connection's close/ping handling runs.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for buf := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			return
		}
	}
}

// RunSampler periodically pushes the latest annotated frame for machineID
// to every subscribed client, until ctx-like stop is signalled via stop.
func (h *Hub) RunSampler(machineID string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			buf, ok := h.source.LatestAnnotatedFrame(machineID)
			if !ok {
				continue
			}
			h.broadcast(machineID, buf)
		}
	}
}

func (h *Hub) broadcast(machineID string, buf []byte) {
	h.mu.RLock()
	clients := h.clients[machineID]
	snapshot := make([]*client, 0, len(clients))
	for c := range clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		select {
		case c.send <- buf:
		default:
		}
	}
}
