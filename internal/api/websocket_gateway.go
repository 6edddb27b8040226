package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
	"github.com/praxis/a2a-router/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxFrameSize = 4 << 20

	sendBuffer = 256
)

const (
	FrameRouteReceipt = "ROUTE_RECEIPT"
	FrameError        = "ERROR"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware.
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	clientID string
	events   bool

	mu     sync.Mutex
	closed bool
}

// queue hands msg to the write pump without blocking. It reports false when
// the client is gone or its buffer is full.
func (c *Client) queue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub maintains the set of active clients and broadcasts events to the ones
// that subscribed.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.events {
					continue
				}
				if !client.queue(message) {
					// Slow consumer.
					delete(h.clients, client)
					client.close()
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebSocketGateway streams bus events to subscribed clients and accepts
// ROUTE_MESSAGE frames from any client, answering each with a receipt frame.
type WebSocketGateway struct {
	hub      *Hub
	router   MessageRouter
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	seq      atomic.Uint64
}

// NewWebSocketGateway creates a gateway and starts its hub. eventBus may be
// nil, in which case no events are streamed.
func NewWebSocketGateway(eventBus *bus.EventBus, r MessageRouter, logger *logrus.Logger) *WebSocketGateway {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	gw := &WebSocketGateway{
		hub:    newHub(),
		router: r,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	go gw.hub.run()

	if eventBus != nil {
		eventBus.SubscribeAll(gw.handleEvent)
	}
	return gw
}

// Stop disconnects every client.
func (gw *WebSocketGateway) Stop() {
	gw.stopOnce.Do(func() {
		gw.cancel()
		close(gw.hub.done)
	})
}

func (gw *WebSocketGateway) eventsHandler(c *gin.Context) {
	gw.serve(c.Writer, c.Request, true)
}

func (gw *WebSocketGateway) inboundHandler(c *gin.Context) {
	gw.serve(c.Writer, c.Request, false)
}

func (gw *WebSocketGateway) serve(w http.ResponseWriter, r *http.Request, events bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:      gw.hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		clientID: fmt.Sprintf("client-%d", gw.seq.Add(1)),
		events:   events,
	}

	select {
	case gw.hub.register <- client:
	case <-gw.hub.done:
		_ = conn.Close()
		return
	}
	gw.logger.Infof("New WebSocket client connected: %s (events=%t)", client.clientID, events)

	go client.writePump()
	go gw.readPump(client)
}

// readPump routes inbound frames until the connection drops.
func (gw *WebSocketGateway) readPump(client *Client) {
	defer func() {
		select {
		case client.hub.unregister <- client:
		case <-client.hub.done:
		}
		_ = client.conn.Close()
		gw.logger.Infof("WebSocket client disconnected: %s", client.clientID)
	}()

	client.conn.SetReadLimit(maxFrameSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				gw.logger.Warnf("WebSocket error from %s: %v", client.clientID, err)
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			gw.sendError(client, "malformed frame")
			continue
		}
		gw.handleFrame(client, frame)
	}
}

func (gw *WebSocketGateway) handleFrame(client *Client, frame transport.Frame) {
	gw.logger.Debugf("Received frame %s from client %s", frame.Type, client.clientID)

	switch frame.Type {
	case transport.FrameRouteMessage:
		var msg a2a.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			gw.reply(client, FrameRouteReceipt, rejectReceipt("", fmt.Errorf("%w: %v", a2a.ErrInvalidFormat, err)))
			return
		}
		gw.reply(client, FrameRouteReceipt, gw.router.RouteMessage(gw.ctx, &msg))
	default:
		gw.sendError(client, "unknown frame type "+frame.Type)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent handles events from EventBus and broadcasts to clients
func (gw *WebSocketGateway) handleEvent(event bus.Event) {
	data, err := json.Marshal(map[string]interface{}{
		"type":    string(event.Type),
		"payload": event.Payload,
	})
	if err != nil {
		gw.logger.Errorf("Failed to marshal event: %v", err)
		return
	}

	select {
	case gw.hub.broadcast <- data:
	case <-gw.hub.done:
	}
}

func (gw *WebSocketGateway) reply(client *Client, frameType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		gw.logger.Errorf("Failed to marshal %s frame: %v", frameType, err)
		return
	}
	data, _ := json.Marshal(transport.Frame{Type: frameType, Payload: raw})
	if !client.queue(data) {
		gw.logger.Warnf("Dropped %s frame for client %s", frameType, client.clientID)
	}
}

func (gw *WebSocketGateway) sendError(client *Client, message string) {
	gw.reply(client, FrameError, map[string]interface{}{"message": message})
}
