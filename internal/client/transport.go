package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abrezinsky/planningpoker/internal/models"
)

// Conn is one transport connection to the gateway
type Conn interface {
	ReadEvent() (models.Envelope, error)
	WriteCommand(msg models.WSMessage) error
	Close() error
}

// Dialer opens transport connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the gateway with gorilla/websocket
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

// NewWebSocketDialer returns a dialer with a 10s handshake timeout
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		WriteTimeout: 10 * time.Second,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := d.Dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

// wsConn serialises writers; gorilla connections allow one concurrent writer
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) ReadEvent() (models.Envelope, error) {
	var env models.Envelope
	err := c.ws.ReadJSON(&env)
	return env, err
}

func (c *wsConn) WriteCommand(msg models.WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
