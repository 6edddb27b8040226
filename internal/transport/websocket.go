package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
)

const wsWriteWait = 10 * time.Second

// Frame is the envelope used on websocket connections, in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebSocketTransport keeps one connection per endpoint URL and writes each
// message as a ROUTE_MESSAGE frame. A successful write counts as delivery.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketTransport(dialer *websocket.Dialer, logger *logrus.Logger) *WebSocketTransport {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketTransport{
		dialer: dialer,
		logger: logger,
		conns:  make(map[string]*wsConn),
	}
}

func (t *WebSocketTransport) Kind() a2a.TransportKind { return a2a.TransportWebSocket }

func (t *WebSocketTransport) Send(ctx context.Context, msg *a2a.Message, endpoint string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	frame := Frame{Type: FrameRouteMessage, Payload: payload}

	c, err := t.connection(ctx, endpoint)
	if err != nil {
		return err
	}
	if err = c.write(frame); err == nil {
		return nil
	}

	// The pooled connection may have gone stale; redial once.
	t.logger.Debugf("WebSocket write to %s failed, redialing: %v", endpoint, err)
	t.drop(endpoint, c)
	if c, err = t.connection(ctx, endpoint); err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		t.drop(endpoint, c)
		return err
	}
	return nil
}

func (t *WebSocketTransport) connection(ctx context.Context, endpoint string) (*wsConn, error) {
	t.mu.Lock()
	c, ok := t.conns[endpoint]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	go discardReads(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[endpoint]; ok {
		conn.Close()
		return existing, nil
	}
	c = &wsConn{conn: conn}
	t.conns[endpoint] = c
	t.logger.Infof("WebSocket connection established to %s", endpoint)
	return c, nil
}

func (t *WebSocketTransport) drop(endpoint string, c *wsConn) {
	t.mu.Lock()
	if t.conns[endpoint] == c {
		delete(t.conns, endpoint)
	}
	t.mu.Unlock()
	c.conn.Close()
}

func (c *wsConn) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

// discardReads keeps control frames (ping/close) flowing.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for endpoint, c := range t.conns {
		c.mu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.mu.Unlock()
		delete(t.conns, endpoint)
	}
	return nil
}
