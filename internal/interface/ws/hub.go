package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/driftlockhq/driftlock/pkg/auction"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// AuctionGateway is the slice of the application service the hub needs:
// confirmations race through it and auction snapshots come from it.
type AuctionGateway interface {
	ConfirmSingle(ctx context.Context, orderId, resolver string) (*auction.Result, error)
	ConfirmSegment(ctx context.Context, orderId string, segmentId int, resolver string) (*auction.Result, error)
	ActiveAuctions() []auction.Event
}

// client represents a single resolver connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	name string
	mu   sync.Mutex
}

type confirmSingleMsg struct {
	OrderId string `mapstructure:"orderId"`
	Name    string `mapstructure:"name"`
}

type confirmSegmentMsg struct {
	OrderId   string `mapstructure:"orderId"`
	SegmentId int    `mapstructure:"segmentId"`
	Name      string `mapstructure:"name"`
}

type registerMsg struct {
	Name string `mapstructure:"name"`
}

// Hub manages connected resolvers and fans auction engine events out to all
// of them. Resolvers race their confirmations back through the same socket.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	gateway    AuctionGateway
	events     <-chan auction.Event
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub bridging the auction engine's event stream to
// connected resolvers.
func NewHub(gateway AuctionGateway, events <-chan auction.Event) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		gateway:    gateway,
		events:     events,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// The loop exits when the provided context is cancelled; the done channel is
// closed so client pumps never block on an undrained register/unregister.
func (h *Hub) Run(ctx context.Context) error {
	go h.pumpEngineEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			close(h.done)
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logrus.WithField("total_clients", h.clientCount()).Info("ws: client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			logrus.WithField("total_clients", h.clientCount()).Info("ws: client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Client's send buffer is full; drop the message.
					logrus.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pumpEngineEvents forwards auction engine events to the broadcast channel.
func (h *Hub) pumpEngineEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- data:
			default:
				logrus.Warn("ws: broadcast queue full, dropping event")
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Error("ws: upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads resolver messages: registration, confirmations and auction
// snapshot requests.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	// nolint:all
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		// nolint:all
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Warn("ws: unexpected close error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *client) handleMessage(raw []byte) {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.sendError("malformed message")
		return
	}
	msgType, _ := envelope["type"].(string)

	switch msgType {
	case "register":
		var msg registerMsg
		if err := mapstructure.Decode(envelope, &msg); err != nil || msg.Name == "" {
			c.sendError("register requires a name")
			return
		}
		c.mu.Lock()
		c.name = msg.Name
		c.mu.Unlock()

	case "confirm_single":
		var msg confirmSingleMsg
		if err := mapstructure.Decode(envelope, &msg); err != nil || msg.OrderId == "" {
			c.sendError("confirm_single requires an orderId")
			return
		}
		resolver := c.resolverName(msg.Name)
		if resolver == "" {
			c.sendError("confirm_single requires a registered or explicit name")
			return
		}
		if _, err := c.hub.gateway.ConfirmSingle(
			context.Background(), msg.OrderId, resolver,
		); err != nil {
			c.sendError(err.Error())
		}

	case "confirm_segment":
		var msg confirmSegmentMsg
		if err := mapstructure.Decode(envelope, &msg); err != nil || msg.OrderId == "" {
			c.sendError("confirm_segment requires an orderId and segmentId")
			return
		}
		resolver := c.resolverName(msg.Name)
		if resolver == "" {
			c.sendError("confirm_segment requires a registered or explicit name")
			return
		}
		if _, err := c.hub.gateway.ConfirmSegment(
			context.Background(), msg.OrderId, msg.SegmentId, resolver,
		); err != nil {
			c.sendError(err.Error())
		}

	case "request_active_auctions":
		c.sendJSON(map[string]any{
			"type":     "active_auctions_received",
			"auctions": c.hub.gateway.ActiveAuctions(),
		})

	default:
		c.sendError("unknown message type")
	}
}

// resolverName prefers the per-message name and falls back to the name the
// client registered with.
func (c *client) resolverName(name string) string {
	if name != "" {
		return name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *client) sendError(message string) {
	c.sendJSON(map[string]any{"type": "error", "message": message})
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection, with
// periodic ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			// nolint:all
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				// nolint:all
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// nolint:all
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
