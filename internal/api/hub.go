package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// Feed event types
const (
	EventBlockSubmitted = "blockSubmitted"
	EventRoundClosed    = "roundClosed"
	EventBlockOrphaned  = "blockOrphaned"
	EventPeerBanned     = "peerBanned"
)

const (
	clientQueue  = 32
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is one message on the feed
type Event struct {
	Type string      `json:"type"`
	Time int64       `json:"time"`
	Data interface{} `json:"data"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans pool events out to WebSocket subscribers. Subscribers only
// listen; anything they send is discarded.
type Hub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*feedClient]struct{})}
}

// ServeWS upgrades the request and subscribes the connection
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Debugf("Feed upgrade failed: %v", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) readLoop(client *feedClient) {
	defer h.remove(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(client *feedClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(client *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Clients returns the number of subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends an event to every subscriber. A subscriber whose queue is
// full misses the event.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg, err := sonic.Marshal(Event{Type: eventType, Time: time.Now().Unix(), Data: data})
	if err != nil {
		util.Warnf("Failed to encode %s event: %v", eventType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// Close disconnects every subscriber and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		client.conn.Close()
	}
}

// BlockSubmitted publishes a block handed to the wallet
func (h *Hub) BlockSubmitted(height uint32, hash, finder string) {
	h.Broadcast(EventBlockSubmitted, gin.H{"height": height, "hash": hash, "finder": finder})
}

// RoundClosed publishes an accepted block
func (h *Hub) RoundClosed(rec *storage.BlockRecord) {
	h.Broadcast(EventRoundClosed, blockEvent(rec))
}

// BlockOrphaned publishes a refunded round
func (h *Hub) BlockOrphaned(rec *storage.BlockRecord) {
	h.Broadcast(EventBlockOrphaned, blockEvent(rec))
}

// PeerBanned publishes a ban. It has the policy ban hook signature.
func (h *Hub) PeerBanned(ip, reason string, duration time.Duration, rScore, cScore int) {
	h.Broadcast(EventPeerBanned, gin.H{
		"ip":       ip,
		"reason":   reason,
		"duration": util.HumanDuration(duration),
		"rScore":   rScore,
		"cScore":   cScore,
	})
}

func blockEvent(rec *storage.BlockRecord) BlockResponse {
	return BlockResponse{
		Hash:      rec.Hash,
		Round:     rec.Round,
		Height:    rec.Height,
		Reward:    rec.Reward,
		Finder:    rec.Finder,
		Orphan:    rec.Orphan,
		Timestamp: rec.Timestamp,
	}
}
